// Package controller orchestrates the inbox session: it ties the REST
// client, the push channel, the conversation directory and the message
// timeline together.
//
// The controller decides between channel-emit and REST fallback for sends,
// performs optimistic insertion and reconciliation, keeps unread counts
// consistent, coalesces background directory refreshes and drives the
// typing-indicator lifecycle.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/RehanRiaz5383/lmsinbox/internal/bus"
	"github.com/RehanRiaz5383/lmsinbox/internal/config"
	"github.com/RehanRiaz5383/lmsinbox/internal/directory"
	"github.com/RehanRiaz5383/lmsinbox/internal/model"
	"github.com/RehanRiaz5383/lmsinbox/internal/timeline"
	"github.com/RehanRiaz5383/lmsinbox/internal/transport"
	"go.uber.org/zap"
)

// API is the subset of the REST client the controller consumes.
type API interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetOrCreateConversation(ctx context.Context, otherUserID string) (*model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID, body string, attachment *model.Attachment) (*model.Message, error)
	MarkAsRead(ctx context.Context, conversationID string) error
}

// Channel is the subset of the transport manager the controller consumes.
type Channel interface {
	Connect(ctx context.Context) error
	On(event string, fn transport.Handler) func()
	Emit(event string, payload any) error
	Status() transport.Status
}

// Notifier receives the audible-notification side effect for incoming
// messages outside the open conversation.
type Notifier interface {
	Notify(msg model.Message)
}

// Options tunes a Controller.
type Options struct {
	// SelfID is the viewer's user id, used to tell own echoes from
	// counterpart messages.
	SelfID string
	// RefreshDebounce is the directory refresh coalescing window; zero
	// selects the config default.
	RefreshDebounce time.Duration
	// Notifier may be nil to disable notifications.
	Notifier Notifier
	// Clock may be nil to use the system clock.
	Clock Clock
}

type pendingSend struct {
	conversationID string
	body           string
}

// Controller is the synchronization layer of one client process.
type Controller struct {
	api     API
	channel Channel
	bus     *bus.Bus
	logger  *zap.Logger

	dir *directory.Directory
	tl  *timeline.Timeline

	selfID   string
	notifier Notifier
	clock    Clock
	debounce time.Duration

	session *sessionMachine

	mu           sync.Mutex
	selected     string
	pending      map[string]pendingSend
	typing       map[string]bool
	refreshTimer Timer
	unsubs       []func()
}

// New creates a controller. Call Start before using it.
func New(api API, ch Channel, b *bus.Bus, logger *zap.Logger, opts Options) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.RefreshDebounce <= 0 {
		opts.RefreshDebounce = config.DefaultRefreshDebounce
	}
	return &Controller{
		api:      api,
		channel:  ch,
		bus:      b,
		logger:   logger,
		dir:      directory.New(),
		tl:       timeline.New(),
		selfID:   opts.SelfID,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		debounce: opts.RefreshDebounce,
		session:  newSessionMachine(b),
		pending:  make(map[string]pendingSend),
		typing:   make(map[string]bool),
	}
}

// Directory exposes the conversation directory for read access.
func (c *Controller) Directory() *directory.Directory { return c.dir }

// Timeline exposes the message timeline for read access.
func (c *Controller) Timeline() *timeline.Timeline { return c.tl }

// State returns the current session state.
func (c *Controller) State() State { return c.session.state() }

// Start connects the channel, registers event listeners and performs the
// initial directory load. A channel connection failure is not fatal: sends
// fall back to REST until the channel comes up.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.channel.Connect(ctx); err != nil {
		c.logger.Warn("push channel unavailable, REST fallback active", zap.Error(err))
	}

	c.mu.Lock()
	c.unsubs = append(c.unsubs,
		c.channel.On(transport.EventNewMessage, c.handleNewMessage),
		c.channel.On(transport.EventUserTyping, c.handleUserTyping),
	)
	c.mu.Unlock()

	return c.RefreshDirectory(ctx)
}

// Stop removes channel listeners and cancels the pending refresh timer.
func (c *Controller) Stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	c.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// RefreshDirectory replaces the conversation list from the backend. On
// failure the list remains whatever it was.
func (c *Controller) RefreshDirectory(ctx context.Context) error {
	convos, err := c.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh directory: %w", err)
	}
	c.dir.LoadAll(convos)
	// The open conversation stays read regardless of what the server still
	// reports for it.
	if open := c.dir.Open(); open != "" {
		c.dir.ResetUnread(open)
	}
	c.bus.Publish(bus.Event{Kind: bus.KindDirectoryRefresh})
	return nil
}

// Open selects a conversation, fetches its timeline and marks it read.
// Re-opening the already selected conversation is a no-op. Switching while
// a fetch is in flight is allowed; the latest selection wins and stale
// fetch results are discarded.
func (c *Controller) Open(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if c.selected == conversationID && c.session.state() != StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.selected = conversationID
	c.typing = make(map[string]bool)
	c.mu.Unlock()

	if err := c.session.transition(StateLoading); err != nil {
		return err
	}
	c.dir.SetOpen(conversationID)
	c.tl.BeginLoad(conversationID)

	msgs, err := c.api.ListMessages(ctx, conversationID)

	// Stale-response guard: only the fetch for the still-selected
	// conversation may touch session state.
	c.mu.Lock()
	stale := c.selected != conversationID
	c.mu.Unlock()
	if stale {
		return nil
	}

	if err != nil {
		c.tl.AbortLoad(conversationID)
		c.mu.Lock()
		c.selected = ""
		c.mu.Unlock()
		c.dir.SetOpen("")
		_ = c.session.transition(StateIdle)
		return fmt.Errorf("open conversation %s: %w", conversationID, err)
	}

	c.tl.ApplyFetched(conversationID, msgs)
	if err := c.session.transition(StateReady); err != nil {
		return err
	}

	c.dir.ResetUnread(conversationID)
	if err := c.api.MarkAsRead(ctx, conversationID); err != nil {
		c.logger.Warn("mark as read failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	c.bus.Publish(bus.Event{Kind: bus.KindSessionOpened, Payload: conversationID})
	return nil
}

// StartConversation opens the conversation with otherUserID, asking the
// backend to create it when it does not exist yet. A speculative directory
// entry is shown until the server assigns the real id.
func (c *Controller) StartConversation(ctx context.Context, other model.Participant) (string, error) {
	if existing, ok := c.dir.FindByParticipant(other.ID); ok && existing.ID != "" {
		return existing.ID, c.Open(ctx, existing.ID)
	}

	c.dir.Upsert(model.Conversation{OtherParticipant: other})

	convo, err := c.api.GetOrCreateConversation(ctx, other.ID)
	if err != nil {
		c.dir.DropSpeculative(other.ID)
		return "", fmt.Errorf("start conversation with %s: %w", other.ID, err)
	}
	c.dir.Upsert(*convo)
	return convo.ID, c.Open(ctx, convo.ID)
}

// Close deselects the open conversation.
func (c *Controller) Close() {
	c.mu.Lock()
	c.selected = ""
	c.typing = make(map[string]bool)
	c.mu.Unlock()
	c.dir.SetOpen("")
	if c.session.state() != StateIdle {
		_ = c.session.transition(StateIdle)
	}
}

// Send delivers a message to the open conversation. The message appears
// optimistically at the timeline tail, goes out over the channel when
// connected and over REST otherwise, and is reconciled (or rolled back) on
// the outcome. Returns the temporary id of the optimistic entry.
func (c *Controller) Send(ctx context.Context, body string, attachment *model.Attachment) (string, error) {
	if c.session.state() != StateReady {
		return "", fmt.Errorf("send: no conversation open")
	}
	if body == "" && attachment == nil {
		return "", fmt.Errorf("send: message needs a body or an attachment")
	}

	c.mu.Lock()
	conversationID := c.selected
	c.mu.Unlock()

	msg := model.Message{
		ID:             model.NewTempID(),
		ConversationID: conversationID,
		SenderID:       c.selfID,
		Body:           body,
		Attachment:     attachment,
		CreatedAt:      c.clock.Now(),
	}
	tempID := c.tl.AppendOptimistic(msg)

	c.mu.Lock()
	c.pending[tempID] = pendingSend{conversationID: conversationID, body: body}
	c.mu.Unlock()

	// Sending implies the viewer stopped typing.
	c.StopTyping()

	if c.channel.Status().Connected {
		payload := model.OutgoingMessage{ConversationID: conversationID, Body: body, Attachment: attachment}
		if err := c.channel.Emit(transport.EventChatMessage, payload); err == nil {
			// Confirmation arrives as the new_message echo.
			c.dir.TouchLastActivity(conversationID, msg.CreatedAt)
			return tempID, nil
		}
		c.logger.Warn("channel emit failed, falling back to REST", zap.String("conversation", conversationID))
	}

	confirmed, err := c.api.SendMessage(ctx, conversationID, body, attachment)
	if err != nil {
		c.tl.RemoveOptimistic(tempID)
		c.resolvePending(tempID)
		c.bus.Publish(bus.Event{Kind: bus.KindMessageSendFailed, Payload: bus.SendFailure{TempID: tempID, Err: err.Error()}})
		return "", fmt.Errorf("send message: %w", err)
	}

	c.tl.Reconcile(tempID, *confirmed)
	c.resolvePending(tempID)
	c.dir.TouchLastActivity(conversationID, confirmed.CreatedAt)
	c.bus.Publish(bus.Event{Kind: bus.KindMessageSendAck, Payload: bus.SendAck{TempID: tempID, ConfirmedID: confirmed.ID}})
	return tempID, nil
}

// StartTyping emits a typing_start event for the open conversation. Only
// valid while Ready and connected; otherwise it is a silent no-op.
func (c *Controller) StartTyping() {
	c.emitTyping(transport.EventTypingStart)
}

// StopTyping emits a typing_stop event for the open conversation.
func (c *Controller) StopTyping() {
	c.emitTyping(transport.EventTypingStop)
}

func (c *Controller) emitTyping(event string) {
	if c.session.state() != StateReady || !c.channel.Status().Connected {
		return
	}
	c.mu.Lock()
	conversationID := c.selected
	c.mu.Unlock()
	if conversationID == "" {
		return
	}
	if err := c.channel.Emit(event, map[string]string{"conversationId": conversationID}); err != nil {
		c.logger.Debug("typing emit failed", zap.String("event", event), zap.Error(err))
	}
}

// TypingUsers returns the ids of users currently typing in the open
// conversation.
func (c *Controller) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.typing))
	for id := range c.typing {
		out = append(out, id)
	}
	return out
}

// MarkAsRead explicitly acknowledges the conversation.
func (c *Controller) MarkAsRead(ctx context.Context, conversationID string) error {
	c.dir.ResetUnread(conversationID)
	if err := c.api.MarkAsRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	return nil
}

func (c *Controller) resolvePending(tempID string) {
	c.mu.Lock()
	delete(c.pending, tempID)
	c.mu.Unlock()
}

// matchPending finds the pending send matching an own-message echo.
func (c *Controller) matchPending(msg model.Message) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tempID, p := range c.pending {
		if p.conversationID == msg.ConversationID && p.body == msg.Body {
			delete(c.pending, tempID)
			return tempID, true
		}
	}
	return "", false
}

func (c *Controller) handleNewMessage(data json.RawMessage) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("malformed new_message event", zap.Error(err))
		return
	}

	c.mu.Lock()
	selected := c.selected
	c.mu.Unlock()

	fromSelf := msg.SenderID == c.selfID
	open := msg.ConversationID == selected && selected != ""

	if fromSelf {
		if tempID, ok := c.matchPending(msg); ok {
			c.tl.Reconcile(tempID, msg)
			c.bus.Publish(bus.Event{Kind: bus.KindMessageSendAck, Payload: bus.SendAck{TempID: tempID, ConfirmedID: msg.ID}})
		} else if open {
			c.tl.AppendIncoming(msg)
		}
		c.dir.TouchLastActivity(msg.ConversationID, msg.CreatedAt)
		c.bus.Publish(bus.Event{Kind: bus.KindMessageReceived, Payload: msg})
		return
	}

	if open {
		c.tl.AppendIncoming(msg)
		c.dir.TouchLastActivity(msg.ConversationID, msg.CreatedAt)
		// Viewer is looking at the conversation: unread stays 0 and the
		// backend is told immediately.
		c.dir.ResetUnread(msg.ConversationID)
		if err := c.api.MarkAsRead(context.Background(), msg.ConversationID); err != nil {
			c.logger.Warn("mark as read failed", zap.String("conversation", msg.ConversationID), zap.Error(err))
		}
		c.bus.Publish(bus.Event{Kind: bus.KindMessageReceived, Payload: msg})
		return
	}

	// Background conversation: a brand-new inbound thread may not be in the
	// directory yet. Synthesize a minimal entry from the event payload; the
	// next full refresh enriches it.
	if _, ok := c.dir.Get(msg.ConversationID); !ok {
		c.dir.Upsert(model.Conversation{
			ID:               msg.ConversationID,
			OtherParticipant: model.Participant{ID: msg.SenderID},
		})
	}
	c.dir.BumpUnread(msg.ConversationID, 1)
	c.dir.TouchLastActivity(msg.ConversationID, msg.CreatedAt)
	c.scheduleDirectoryRefresh()
	c.bus.Publish(bus.Event{Kind: bus.KindDirectoryUpdated, Payload: bus.DirectoryUpdate{
		ConversationID: msg.ConversationID,
		TotalUnread:    c.dir.TotalUnread(),
	}})

	// At most one audible notification per incoming message, regardless of
	// how many directory updates it causes.
	if c.notifier != nil {
		c.notifier.Notify(msg)
		c.bus.Publish(bus.Event{Kind: bus.KindSessionNotified, Payload: msg.ID})
	}
	c.bus.Publish(bus.Event{Kind: bus.KindMessageReceived, Payload: msg})
}

func (c *Controller) handleUserTyping(data json.RawMessage) {
	var ev model.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("malformed user_typing event", zap.Error(err))
		return
	}

	c.mu.Lock()
	if ev.ConversationID != c.selected {
		c.mu.Unlock()
		return
	}
	if ev.IsTyping {
		c.typing[ev.UserID] = true
	} else {
		delete(c.typing, ev.UserID)
	}
	c.mu.Unlock()

	c.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Payload: ev})
}

// scheduleDirectoryRefresh coalesces bursts of background messages into a
// single refresh after the debounce window. Each trigger cancels and
// reschedules the timer.
func (c *Controller) scheduleDirectoryRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = c.clock.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		c.refreshTimer = nil
		c.mu.Unlock()
		if err := c.RefreshDirectory(context.Background()); err != nil {
			c.logger.Warn("debounced directory refresh failed", zap.Error(err))
		}
	})
}
