package mcpapi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"pkt.systems/tabmux/internal/logx"
	"pkt.systems/tabmux/schema"
)

type sessionState int

const (
	stateCreated sessionState = iota
	stateInitializing
	stateInitialized
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateInitializing:
		return "initializing"
	case stateInitialized:
		return "initialized"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// notification is one server-initiated message to a client session.
type notification struct {
	Method string
	Params any
}

// session is the broker's per-client protocol state, independent of the
// transport it arrived on.
type session struct {
	id        schema.SessionID
	transport schema.TransportKind

	mu              sync.Mutex
	state           sessionState
	protocolVersion string
	clientName      string
	clientVersion   string
	createdAt       time.Time
	lastActivity    time.Time
	idleTimeout     time.Duration
	// push delivers a notification immediately on push-capable
	// transports. Nil for stateless sessions, which queue instead.
	push func(notification)
	// pushFrame carries raw protocol frames back over the event
	// stream; responses to posted messages travel this way.
	pushFrame func([]byte)
	queue     []notification
}

func (s *session) frameSink() func([]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushFrame
}

func (s *session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// deliver pushes or queues a notification. Sessions that have not
// completed handshake receive nothing; a half-open connection must not
// learn about registry state.
func (s *session) deliver(n notification) {
	s.mu.Lock()
	if s.state != stateInitialized {
		s.mu.Unlock()
		return
	}
	push := s.push
	if push == nil {
		s.queue = append(s.queue, n)
		if len(s.queue) > maxQueuedNotifications {
			s.queue = s.queue[len(s.queue)-maxQueuedNotifications:]
		}
	}
	s.mu.Unlock()
	if push != nil {
		push(n)
	}
}

// drainQueue returns and clears queued notifications (stateless sessions
// pick them up on their next poll).
func (s *session) drainQueue() []notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.queue
	s.queue = nil
	return queued
}

const maxQueuedNotifications = 256

// sessionStore owns the client session table.
type sessionStore struct {
	mu          sync.Mutex
	items       map[schema.SessionID]*session
	idleTimeout time.Duration
	now         func() time.Time
}

func newSessionStore(idleTimeout time.Duration) *sessionStore {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &sessionStore{
		items:       make(map[schema.SessionID]*session),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

func (s *sessionStore) create(transport schema.TransportKind) *session {
	now := s.now()
	sess := &session{
		id:           schema.SessionID(randomToken(16)),
		transport:    transport,
		state:        stateCreated,
		createdAt:    now,
		lastActivity: now,
		idleTimeout:  s.idleTimeout,
	}
	s.mu.Lock()
	s.items[sess.id] = sess
	count := len(s.items)
	s.mu.Unlock()
	logx.WithSession(context.Background(), sess.id).Info("client session created", "transport", transport, "sessions", count)
	return sess
}

// get resolves a session token. A token matching no live session is an
// explicit error; it is never silently upgraded to a new session.
func (s *sessionStore) get(id schema.SessionID) (*session, error) {
	if id == "" {
		return nil, schema.ErrMissingSession
	}
	s.mu.Lock()
	sess, ok := s.items[id]
	s.mu.Unlock()
	if !ok {
		return nil, schema.ErrUnknownSession
	}
	sess.touch(s.now())
	return sess, nil
}

func (s *sessionStore) remove(id schema.SessionID) {
	s.mu.Lock()
	sess, ok := s.items[id]
	if ok {
		delete(s.items, id)
	}
	s.mu.Unlock()
	if ok {
		sess.mu.Lock()
		sess.state = stateClosed
		sess.mu.Unlock()
		logx.WithSession(context.Background(), id).Info("client session closed", "transport", sess.transport)
	}
}

// sweep reclaims stateless sessions whose idle timeout has passed.
// Socket and event-stream sessions are exempt: their liveness is
// observed from the transport itself.
func (s *sessionStore) sweep() int {
	now := s.now()
	s.mu.Lock()
	var expired []*session
	for id, sess := range s.items {
		if sess.transport != schema.TransportHTTP {
			continue
		}
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity)
		timeout := sess.idleTimeout
		sess.mu.Unlock()
		if timeout > 0 && idle > timeout {
			delete(s.items, id)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range expired {
		sess.mu.Lock()
		sess.state = stateClosed
		sess.mu.Unlock()
		logx.WithSession(context.Background(), sess.id).Info("client session idle-expired", "transport", sess.transport)
	}
	return len(expired)
}

// each calls fn for every live session.
func (s *sessionStore) each(fn func(*session)) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.items))
	for _, sess := range s.items {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		fn(sess)
	}
}

// countByTransport reports live sessions per transport kind.
func (s *sessionStore) countByTransport() map[schema.TransportKind]int {
	counts := make(map[schema.TransportKind]int, 3)
	s.mu.Lock()
	for _, sess := range s.items {
		counts[sess.transport]++
	}
	s.mu.Unlock()
	return counts
}

func randomToken(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
