package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/campus-pool/internal/observability"
)

const (
	defaultSendBuffer   = 32
	defaultWriteTimeout = 10 * time.Second
)

// Conn is the part of *websocket.Conn the registry writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
}

// session owns one user's channel. A single writer goroutine drains send,
// so frames for one user leave in the order they were queued.
type session struct {
	userID string
	conn   Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *session) enqueue(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Registry maps user ids to their live realtime channel.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	sendBuffer   int
	writeTimeout time.Duration
	logger       *slog.Logger
}

func New(logger *slog.Logger, opts Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Registry{
		sessions:     make(map[string]*session),
		sendBuffer:   opts.SendBuffer,
		writeTimeout: opts.WriteTimeout,
		logger:       logger,
	}
}

// Register stores conn as userID's channel, replacing and closing any
// previous one. conn must already be upgraded.
func (r *Registry) Register(userID string, conn Conn) {
	s := &session{userID: userID, conn: conn, send: make(chan []byte, r.sendBuffer)}

	r.mu.Lock()
	old, replaced := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()

	if replaced {
		old.close()
	} else {
		observability.WSConnections.Inc()
	}
	go r.writePump(s)
}

// Deregister drops userID's channel. It is a no-op when none is registered.
func (r *Registry) Deregister(userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	if ok {
		observability.WSConnections.Dec()
		s.close()
	}
}

// Release deregisters userID only while conn is still its current channel,
// so a stale connection closing does not evict a newer one.
func (r *Registry) Release(userID string, conn Conn) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if ok && s.conn == conn {
		delete(r.sessions, userID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		observability.WSConnections.Dec()
		s.close()
	}
}

// Unicast queues event for userID. It reports false without error when the
// user has no channel or the channel's buffer is full.
func (r *Registry) Unicast(userID string, event any) (bool, error) {
	msg, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("encode event: %w", err)
	}
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return s.enqueue(msg), nil
}

// Broadcast queues event on every registered channel and returns how many
// accepted it. A full or closed channel only loses its own copy.
func (r *Registry) Broadcast(event any) (int, error) {
	msg, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	r.mu.RLock()
	targets := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.enqueue(msg) {
			delivered++
		}
	}
	return delivered, nil
}

func (r *Registry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close drops every channel; used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()
	for _, s := range sessions {
		observability.WSConnections.Dec()
		s.close()
	}
}

func (r *Registry) writePump(s *session) {
	defer func() { _ = s.conn.Close() }()
	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			r.logger.Warn("ws send failed, dropping channel", "user_id", s.userID, "error", err)
			r.Release(s.userID, s.conn)
			s.close()
			for range s.send {
			}
			return
		}
	}
}
