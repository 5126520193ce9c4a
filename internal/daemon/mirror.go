package daemon

import (
	"context"
	"time"

	"github.com/RehanRiaz5383/lmsinbox/internal/bus"
	"github.com/RehanRiaz5383/lmsinbox/internal/directory"
	"github.com/RehanRiaz5383/lmsinbox/internal/model"
	"github.com/RehanRiaz5383/lmsinbox/internal/store"
	"github.com/RehanRiaz5383/lmsinbox/internal/timeline"
	"go.uber.org/zap"
)

// Mirror persists controller state into the local cache database. It
// subscribes to the in-process bus and ingests events idempotently, so the
// cache survives restarts and inboxctl can answer queries offline.
type Mirror struct {
	db     *store.DB
	bus    *bus.Bus
	dir    *directory.Directory
	tl     *timeline.Timeline
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewMirror creates a mirror over the given cache database.
func NewMirror(db *store.DB, dir *directory.Directory, tl *timeline.Timeline, b *bus.Bus, logger *zap.Logger) *Mirror {
	return &Mirror{
		db:     db,
		bus:    b,
		dir:    dir,
		tl:     tl,
		logger: logger,
	}
}

// Start subscribes to bus events and ingests them in the background.
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch, unsub := m.bus.Subscribe("", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the mirror.
func (m *Mirror) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Mirror) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageReceived:
		msg, ok := evt.Payload.(model.Message)
		if !ok {
			return
		}
		if err := m.MirrorMessage(msg); err != nil {
			m.logger.Error("failed to mirror message", zap.Error(err), zap.String("msg_id", msg.ID))
		}
	case bus.KindDirectoryRefresh:
		if err := m.MirrorDirectory(); err != nil {
			m.logger.Error("failed to mirror directory", zap.Error(err))
		}
	case bus.KindSessionOpened:
		conversationID, ok := evt.Payload.(string)
		if !ok {
			return
		}
		if err := m.MirrorTimeline(conversationID); err != nil {
			m.logger.Error("failed to mirror timeline", zap.Error(err), zap.String("conversation", conversationID))
		}
	}
}

// MirrorMessage writes a confirmed message and its conversation row to the
// cache (idempotent). Optimistic entries are never persisted.
func (m *Mirror) MirrorMessage(msg model.Message) error {
	if msg.IsTemp() {
		return nil
	}
	if err := m.db.UpsertMessage(&msg); err != nil {
		return err
	}
	if conv, ok := m.dir.Get(msg.ConversationID); ok && conv.ID != "" {
		return m.db.UpsertConversation(&conv)
	}
	return nil
}

// MirrorDirectory replaces the cached conversation list with the current
// in-memory directory snapshot and records the refresh checkpoint.
func (m *Mirror) MirrorDirectory() error {
	if err := m.db.ReplaceConversations(m.dir.Snapshot()); err != nil {
		return err
	}
	return m.db.SetState(store.StateDirectoryRefreshedAt, time.Now().UTC().Format(time.RFC3339))
}

// MirrorTimeline replaces the cached messages of a conversation with the
// freshly fetched timeline. Skipped when the timeline has already moved to
// another conversation.
func (m *Mirror) MirrorTimeline(conversationID string) error {
	if m.tl.ConversationID() != conversationID {
		return nil
	}
	return m.db.ReplaceMessages(conversationID, m.tl.Messages())
}
