// Package timeline maintains the ordered message sequence for the open
// conversation.
//
// Entries are kept in non-decreasing CreatedAt order. Incoming messages with
// a server id go through a three-tier check: overwrite an existing entry
// with the same id (duplicate delivery), else replace a matching optimistic
// entry in place (same conversation, sender and body), else insert by
// timestamp. Events that arrive while the initial fetch is still in flight
// are buffered and merged once the fetch resolves, never dropped.
package timeline

import (
	"sync"

	"github.com/RehanRiaz5383/lmsinbox/internal/model"
)

// Merge applies one incoming server-confirmed message to entries and
// returns the updated slice. Pure: the input slice is modified in place or
// grown, callers must use the return value.
func Merge(entries []model.Message, incoming model.Message) []model.Message {
	// Tier 1: exact id already present -> duplicate delivery, overwrite.
	for i := range entries {
		if entries[i].ID == incoming.ID {
			entries[i] = incoming
			return entries
		}
	}

	// Tier 2: an optimistic placeholder for the same send -> confirm it in
	// place so the entry keeps its position.
	for i := range entries {
		if entries[i].IsTemp() &&
			entries[i].ConversationID == incoming.ConversationID &&
			entries[i].SenderID == incoming.SenderID &&
			entries[i].Body == incoming.Body {
			entries[i] = incoming
			return entries
		}
	}

	// Tier 3: genuinely new, insert preserving CreatedAt order.
	return insertOrdered(entries, incoming)
}

// insertOrdered places msg after the last entry whose CreatedAt does not
// exceed msg's, keeping the sequence non-decreasing and arrival-stable for
// equal timestamps.
func insertOrdered(entries []model.Message, msg model.Message) []model.Message {
	at := len(entries)
	for at > 0 && entries[at-1].CreatedAt.After(msg.CreatedAt) {
		at--
	}
	entries = append(entries, model.Message{})
	copy(entries[at+1:], entries[at:])
	entries[at] = msg
	return entries
}

// Timeline is the message sequence for one conversation at a time.
type Timeline struct {
	mu             sync.RWMutex
	conversationID string
	entries        []model.Message
	loading        bool
	// pending buffers push events that raced the initial fetch.
	pending []model.Message
}

// New creates an empty timeline bound to no conversation.
func New() *Timeline {
	return &Timeline{}
}

// ConversationID returns the conversation the timeline is bound to.
func (t *Timeline) ConversationID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conversationID
}

// BeginLoad rebinds the timeline to conversationID and clears its contents.
// Until ApplyFetched or AbortLoad is called, incoming messages are buffered
// instead of applied.
func (t *Timeline) BeginLoad(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversationID = conversationID
	t.entries = nil
	t.pending = nil
	t.loading = true
}

// ApplyFetched installs the fetch result and merges any events buffered
// while the fetch was in flight. A result for a conversation the timeline
// is no longer bound to is discarded.
func (t *Timeline) ApplyFetched(conversationID string, msgs []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conversationID != conversationID {
		return
	}
	entries := make([]model.Message, 0, len(msgs)+len(t.pending))
	for _, m := range msgs {
		entries = insertOrdered(entries, m)
	}
	for _, m := range t.pending {
		entries = Merge(entries, m)
	}
	t.entries = entries
	t.pending = nil
	t.loading = false
}

// AbortLoad unbinds the timeline after a failed fetch.
func (t *Timeline) AbortLoad(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conversationID != conversationID {
		return
	}
	t.conversationID = ""
	t.entries = nil
	t.pending = nil
	t.loading = false
}

// AppendOptimistic inserts a local not-yet-confirmed message at the tail
// and returns its temporary id. The message's id is assigned here if empty.
func (t *Timeline) AppendOptimistic(msg model.Message) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.ID == "" {
		msg.ID = model.NewTempID()
	}
	t.entries = insertOrdered(t.entries, msg)
	return msg.ID
}

// Reconcile replaces the temporary entry with its confirmed counterpart in
// place. If no matching temp entry exists, the confirmed message falls
// through to AppendIncoming semantics.
func (t *Timeline) Reconcile(tempID string, confirmed model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if confirmed.ConversationID != t.conversationID {
		return
	}
	for i := range t.entries {
		if t.entries[i].ID == tempID {
			t.entries[i] = confirmed
			return
		}
	}
	t.entries = Merge(t.entries, confirmed)
}

// AppendIncoming applies a message that did not originate locally. While a
// fetch is in flight the message is buffered; otherwise it goes through the
// three-tier Merge. Messages for other conversations are ignored.
func (t *Timeline) AppendIncoming(msg model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.ConversationID != t.conversationID {
		return
	}
	if t.loading {
		t.pending = append(t.pending, msg)
		return
	}
	t.entries = Merge(t.entries, msg)
}

// RemoveOptimistic rolls back a failed send.
func (t *Timeline) RemoveOptimistic(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].ID == tempID {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Messages returns a copy of the current sequence, oldest first.
func (t *Timeline) Messages() []model.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// Loading reports whether the initial fetch is still in flight.
func (t *Timeline) Loading() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loading
}
