// ABOUTME: In-memory State shared by every backend, persisted through the backend on flush
// ABOUTME: Tracks a dirty flag so that untouched states are never written back

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

type document struct {
	agentID string
	backend backend

	mu        sync.RWMutex
	agentType string
	values    map[string]json.RawMessage
	dirty     bool
	destroyed bool
}

func newDocument(agentID string, b backend, r record) *document {
	values := r.Values
	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	return &document{
		agentID:   agentID,
		backend:   b,
		agentType: r.AgentType,
		values:    values,
	}
}

func (d *document) AgentID() string {
	return d.agentID
}

func (d *document) AgentType() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.agentType
}

func (d *document) SetAgentType(agentType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.agentType != agentType {
		d.agentType = agentType
		d.dirty = true
	}
}

func (d *document) Get(key string) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	raw, ok := d.values[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(raw), true
}

func (d *document) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[key] = raw
	d.dirty = true
	return nil
}

func (d *document) Delete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.values[key]; ok {
		delete(d.values, key)
		d.dirty = true
	}
}

func (d *document) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.values))
}

func (d *document) Init(ctx context.Context) error {
	r, err := d.backend.load(ctx, d.agentID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agentType = r.AgentType
	d.values = r.Values
	if d.values == nil {
		d.values = make(map[string]json.RawMessage)
	}
	d.dirty = false
	d.destroyed = false
	return nil
}

func (d *document) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked(ctx)
}

func (d *document) flushLocked(ctx context.Context) error {
	if !d.dirty || d.destroyed {
		return nil
	}
	r := record{
		AgentType: d.agentType,
		Values:    maps.Clone(d.values),
		UpdatedAt: time.Now().UTC(),
	}
	if err := d.backend.save(ctx, d.agentID, r); err != nil {
		return fmt.Errorf("saving context %q: %w", d.agentID, err)
	}
	d.dirty = false
	return nil
}

func (d *document) Destroy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.flushLocked(ctx)
	d.destroyed = true
	return err
}
