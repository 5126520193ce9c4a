// Package transport manages the shared push channel to the LMS backend.
//
// The wire format is a JSON envelope per frame: {"event": name, "data":
// payload}. One Manager (and one underlying websocket connection) exists per
// process; every consumer registers handlers through On and sends through
// Emit.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RehanRiaz5383/lmsinbox/internal/bus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event names carried on the channel.
const (
	EventNewMessage  = "new_message"
	EventUserTyping  = "user_typing"
	EventChatMessage = "chat_message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
)

// ErrNotConnected is returned by Emit when the channel is down. Callers are
// expected to check Status first and fall back to REST.
var ErrNotConnected = fmt.Errorf("channel: not connected")

// Envelope is the frame format exchanged with the backend.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Status is the synchronously queryable channel state.
type Status struct {
	Connected bool
}

// Handler receives the raw payload of a subscribed event.
type Handler func(data json.RawMessage)

// DeriveURL maps a backend origin to its websocket endpoint.
func DeriveURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

type handlerEntry struct {
	event string
	fn    Handler
}

// Manager owns the process-wide channel connection.
type Manager struct {
	url    string
	token  string
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc

	hmu      sync.RWMutex
	handlers map[int]*handlerEntry
	nextID   int
}

// NewManager creates a channel manager for the given websocket URL. The
// connection is established lazily by Connect.
func NewManager(url, token string, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		url:      url,
		token:    token,
		bus:      b,
		logger:   logger,
		handlers: make(map[int]*handlerEntry),
	}
}

// Connect establishes the channel if it is not already up. Idempotent and
// safe to call speculatively before any dependent operation.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, m.url+"?token="+m.token, nil)
	if err != nil {
		return fmt.Errorf("channel: dial %s: %w", m.url, err)
	}
	conn.SetReadLimit(1 << 20)

	readCtx, readCancel := context.WithCancel(context.Background())
	m.conn = conn
	m.connected = true
	m.cancel = readCancel

	go m.readLoop(readCtx, conn)

	m.logger.Info("channel connected", zap.String("url", m.url))
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: bus.KindChannelConnected})
	}
	return nil
}

// Disconnect closes the channel. Safe to call when already closed.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	cancel := m.cancel
	m.conn = nil
	m.connected = false
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
}

// Status reports the current connection state without blocking.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Connected: m.connected}
}

// On registers a handler for the named event and returns its unsubscribe
// function. Multiple independent subscribers per event are allowed.
func (m *Manager) On(event string, fn Handler) func() {
	m.hmu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = &handlerEntry{event: event, fn: fn}
	m.hmu.Unlock()

	return func() {
		m.hmu.Lock()
		delete(m.handlers, id)
		m.hmu.Unlock()
	}
}

// Emit sends an event over the channel. Returns ErrNotConnected when the
// channel is down so the caller can fall back to REST.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.connected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: marshal %s payload: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, Envelope{Event: event, Data: data}); err != nil {
		return fmt.Errorf("channel: emit %s: %w", event, err)
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			m.markDisconnected(conn, err)
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env Envelope) {
	m.hmu.RLock()
	var fns []Handler
	for _, h := range m.handlers {
		if h.event == env.Event {
			fns = append(fns, h.fn)
		}
	}
	m.hmu.RUnlock()

	for _, fn := range fns {
		fn(env.Data)
	}
}

func (m *Manager) markDisconnected(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	// A newer connection may already have replaced this one.
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	m.cancel = nil
	m.mu.Unlock()

	m.logger.Warn("channel disconnected", zap.Error(cause))
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: bus.KindChannelDisconnected})
	}
}
