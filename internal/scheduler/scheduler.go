// ABOUTME: Per-agent task scheduling: one-shot delays and cron expressions (gronx)
// ABOUTME: Fired tasks invoke the owning agent through the runtime; failures are logged

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/transport"
)

var (
	// ErrInvalidCron indicates an expression gronx cannot parse.
	ErrInvalidCron = errors.New("invalid cron expression")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("scheduler closed")
)

// Task describes a scheduled call.
type Task struct {
	ID      string
	AgentID string
	Method  string
	// Cron is empty for one-shot tasks.
	Cron    string
	NextRun time.Time
}

type task struct {
	Task
	req   *rpc.Request
	timer *time.Timer
}

// Scheduler owns every timer. It is safe for concurrent use.
type Scheduler struct {
	invoker transport.Invoker
	logger  *slog.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

// New creates a scheduler that delivers fired tasks to invoker.
func New(invoker transport.Invoker, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		invoker: invoker,
		logger:  logger.With("component", "scheduler"),
		tasks:   make(map[string]*task),
	}
}

// ForAgent returns the scheduling handle of agentID.
func (s *Scheduler) ForAgent(agentID string) *AgentScheduler {
	return &AgentScheduler{s: s, agentID: agentID}
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close stops every timer and waits for running tasks. Safe to call twice.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler closed")
}

func (s *Scheduler) schedule(t *task, delay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	t.ID = uuid.NewString()
	t.NextRun = time.Now().Add(delay)
	t.timer = time.AfterFunc(delay, func() { s.fire(t) })
	s.tasks[t.ID] = t

	s.logger.Debug("task scheduled",
		"task_id", t.ID,
		"agent_id", t.AgentID,
		"method", t.Method,
		"cron", t.Cron,
		"next_run", t.NextRun,
	)
	return t.ID, nil
}

func (s *Scheduler) fire(t *task) {
	s.mu.Lock()
	if s.closed || s.tasks[t.ID] != t {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	if t.Cron == "" {
		delete(s.tasks, t.ID)
	} else if err := s.rearmLocked(t); err != nil {
		delete(s.tasks, t.ID)
		s.logger.Error("cron task dropped", "task_id", t.ID, "agent_id", t.AgentID, "error", err)
	}
	s.mu.Unlock()
	defer s.wg.Done()

	req := t.req.WithID(rpc.NewRequestID())
	resp, err := s.invoker.Invoke(context.Background(), t.AgentID, req)
	switch {
	case err != nil:
		s.logger.Warn("scheduled call failed", "task_id", t.ID, "agent_id", t.AgentID, "method", t.Method, "error", err)
	case resp.Error != nil:
		s.logger.Warn("scheduled call returned error",
			"task_id", t.ID,
			"agent_id", t.AgentID,
			"method", t.Method,
			"code", resp.Error.Code.String(),
			"error", resp.Error.Message,
		)
	default:
		s.logger.Debug("scheduled call done", "task_id", t.ID, "agent_id", t.AgentID, "method", t.Method)
	}
}

func (s *Scheduler) rearmLocked(t *task) error {
	next, err := gronx.NextTickAfter(t.Cron, time.Now(), false)
	if err != nil {
		return err
	}
	t.NextRun = next
	t.timer = time.AfterFunc(time.Until(next), func() { s.fire(t) })
	return nil
}

func (s *Scheduler) cancel(agentID, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.AgentID != agentID {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, taskID)
	s.logger.Debug("task cancelled", "task_id", taskID, "agent_id", agentID)
	return true
}

func (s *Scheduler) list(agentID string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, t := range s.tasks {
		if t.AgentID == agentID {
			out = append(out, t.Task)
		}
	}
	slices.SortFunc(out, func(a, b Task) int { return a.NextRun.Compare(b.NextRun) })
	return out
}

// AgentScheduler schedules calls to one agent.
type AgentScheduler struct {
	s       *Scheduler
	agentID string
}

// After calls req on the agent once, after delay.
func (a *AgentScheduler) After(delay time.Duration, req *rpc.Request) (string, error) {
	if delay < 0 {
		delay = 0
	}
	return a.s.schedule(&task{
		Task: Task{AgentID: a.agentID, Method: req.Method()},
		req:  req,
	}, delay)
}

// Cron calls req on the agent at every tick of expr.
func (a *AgentScheduler) Cron(expr string, req *rpc.Request) (string, error) {
	expr = strings.TrimSpace(expr)
	if !gronx.New().IsValid(expr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	next, err := gronx.NextTickAfter(expr, time.Now(), false)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return a.s.schedule(&task{
		Task: Task{AgentID: a.agentID, Method: req.Method(), Cron: expr},
		req:  req,
	}, time.Until(next))
}

// Cancel removes one of the agent's tasks. Tasks of other agents are left
// alone.
func (a *AgentScheduler) Cancel(taskID string) bool {
	return a.s.cancel(a.agentID, taskID)
}

// List returns the agent's tasks ordered by next run.
func (a *AgentScheduler) List() []Task {
	return a.s.list(a.agentID)
}
