// ABOUTME: Matrix link for the messaging transport: one mautrix client per local agent
// ABOUTME: Payloads travel as m.text bodies in direct rooms; invites are auto-joined

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-rpc/internal/transport/messaging"
)

// ErrNoCredentials indicates no access token is configured for an agent.
var ErrNoCredentials = errors.New("no matrix access token for agent")

// networkTimeout bounds Matrix API calls.
const networkTimeout = 30 * time.Second

// Config configures a Matrix link.
type Config struct {
	Homeserver string
	// Tokens maps agent ids to the access tokens of their Matrix users.
	Tokens map[string]string
	Logger *slog.Logger
}

// Link carries messaging envelopes over Matrix.
type Link struct {
	homeserver string
	tokens     map[string]string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	local   messaging.Address
	client  *mautrix.Client
	deliver messaging.DeliverFunc
	opened  time.Time
	cancel  context.CancelFunc
	logger  *slog.Logger

	mu    sync.Mutex
	rooms map[id.UserID]id.RoomID
}

// New creates a Matrix link.
func New(cfg Config) (*Link, error) {
	if cfg.Homeserver == "" {
		return nil, errors.New("matrix link requires a homeserver")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		homeserver: cfg.Homeserver,
		tokens:     cfg.Tokens,
		logger:     logger.With("component", "matrix-link"),
		sessions:   make(map[string]*session),
	}, nil
}

// UserID maps a messaging address to its Matrix user.
func UserID(addr messaging.Address) id.UserID {
	return id.NewUserID(addr.Agent, addr.Host)
}

// AddressOf maps a Matrix user to a bare messaging address.
func AddressOf(scheme string, user id.UserID) (messaging.Address, error) {
	localpart, server, err := user.Parse()
	if err != nil {
		return messaging.Address{}, fmt.Errorf("parsing user id %s: %w", user, err)
	}
	return messaging.Address{Scheme: scheme, Agent: localpart, Host: server}, nil
}

// Open implements messaging.Link: it logs the agent's user in and starts
// syncing its rooms.
func (l *Link) Open(ctx context.Context, local messaging.Address, deliver messaging.DeliverFunc) error {
	local = local.Bare()
	token, ok := l.tokens[local.Agent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCredentials, local.Agent)
	}

	client, err := mautrix.NewClient(l.homeserver, UserID(local), token)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}
	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}

	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		local:   local,
		client:  client,
		deliver: deliver,
		opened:  time.Now(),
		cancel:  cancel,
		logger:  l.logger.With("user_id", client.UserID.String()),
		rooms:   make(map[id.UserID]id.RoomID),
	}
	syncer.OnEventType(event.EventMessage, s.handleMessage)
	syncer.OnEventType(event.StateMember, s.handleMember)

	l.mu.Lock()
	if _, exists := l.sessions[local.String()]; exists {
		l.mu.Unlock()
		cancel()
		return fmt.Errorf("matrix session for %s already open", local.String())
	}
	l.sessions[local.String()] = s
	l.mu.Unlock()

	go func() {
		if err := client.SyncWithContext(syncCtx); err != nil && syncCtx.Err() == nil {
			s.logger.Error("matrix sync failed", "error", err)
		}
	}()
	s.logger.Info("matrix session opened", "homeserver", l.homeserver)
	return nil
}

// Close implements messaging.Link.
func (l *Link) Close(local messaging.Address) error {
	l.mu.Lock()
	s, ok := l.sessions[local.Bare().String()]
	delete(l.sessions, local.Bare().String())
	l.mu.Unlock()

	if ok {
		s.cancel()
		s.client.StopSync()
		s.logger.Info("matrix session closed")
	}
	return nil
}

// Deliver implements messaging.Link: the body is sent as text to the direct
// room shared with the destination, created on first use.
func (l *Link) Deliver(ctx context.Context, env messaging.Envelope) error {
	l.mu.Lock()
	s, ok := l.sessions[env.From.Bare().String()]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no matrix session for %s", env.From.String())
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	room, err := s.directRoom(ctx, UserID(env.To))
	if err != nil {
		return err
	}
	if _, err := s.client.SendText(ctx, room, string(env.Body)); err != nil {
		return fmt.Errorf("sending to %s: %w", room, err)
	}
	return nil
}

func (s *session) directRoom(ctx context.Context, peer id.UserID) (id.RoomID, error) {
	s.mu.Lock()
	room, ok := s.rooms[peer]
	s.mu.Unlock()
	if ok {
		return room, nil
	}

	resp, err := s.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{peer},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("creating room with %s: %w", peer, err)
	}
	s.remember(peer, resp.RoomID)
	s.logger.Debug("direct room created", "peer", peer.String(), "room", resp.RoomID.String())
	return resp.RoomID, nil
}

func (s *session) remember(peer id.UserID, room id.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[peer]; !ok {
		s.rooms[peer] = room
	}
}

// handleMessage turns text messages from other users into envelopes.
func (s *session) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == s.client.UserID {
		return
	}
	// Skip history replayed by the initial sync.
	if time.UnixMilli(evt.Timestamp).Before(s.opened) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	from, err := AddressOf(s.local.Scheme, evt.Sender)
	if err != nil {
		s.logger.Debug("ignoring message", "sender", evt.Sender.String(), "error", err)
		return
	}
	s.remember(evt.Sender, evt.RoomID)
	go s.deliver(context.WithoutCancel(ctx), messaging.Envelope{
		ID:   evt.ID.String(),
		From: from,
		To:   s.local,
		Body: []byte(content.Body),
	})
}

// handleMember joins rooms our user is invited to.
func (s *session) handleMember(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || evt.GetStateKey() != s.client.UserID.String() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := s.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		s.logger.Warn("joining invited room", "room", evt.RoomID.String(), "error", err)
		return
	}
	if member.IsDirect {
		s.remember(evt.Sender, evt.RoomID)
	}
	s.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}
