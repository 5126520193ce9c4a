// Package directory holds the in-memory conversation list for a client
// session.
//
// The directory never holds two entries for the same counterpart user: a
// speculative conversation (no server id yet) created when the viewer picks
// a new recipient is replaced in place once the server assigns the real id.
// Display order is the consumer's concern; Snapshot returns entries
// most-recent-activity first as a convenience, but the directory itself
// stores them unordered.
package directory

import (
	"sort"
	"sync"
	"time"

	"github.com/RehanRiaz5383/lmsinbox/internal/model"
)

// Directory is the conversation list. All methods are safe for concurrent
// use, though in practice mutations arrive from a single event loop.
type Directory struct {
	mu   sync.RWMutex
	byID map[string]*model.Conversation
	// openID is the conversation currently displayed; BumpUnread is a no-op
	// for it.
	openID string
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{byID: make(map[string]*model.Conversation)}
}

// LoadAll replaces the entire list from a bulk fetch. The previous contents
// are discarded; on fetch failure callers simply skip this call so the list
// remains whatever it was.
func (d *Directory) LoadAll(convos []model.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID = make(map[string]*model.Conversation, len(convos))
	for i := range convos {
		c := convos[i]
		d.byID[c.ID] = &c
	}
}

// speculativeKey maps a not-yet-assigned conversation to a map key so
// concurrent speculative entries for different counterparts can coexist.
func speculativeKey(userID string) string {
	return "pending:" + userID
}

// Upsert inserts or replaces a conversation. A speculative entry (empty id)
// is keyed by its counterpart and removed when a server-assigned entry for
// that counterpart arrives, keeping the one-entry-per-peer invariant.
func (d *Directory) Upsert(c model.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := c.ID
	if key == "" {
		key = speculativeKey(c.OtherParticipant.ID)
	} else {
		delete(d.byID, speculativeKey(c.OtherParticipant.ID))
	}
	d.byID[key] = &c
}

// DropSpeculative removes the speculative entry for a counterpart, used
// when the server never assigned it a real id.
func (d *Directory) DropSpeculative(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byID, speculativeKey(userID))
}

// Get returns a copy of the conversation, or false if absent.
func (d *Directory) Get(id string) (model.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// FindByParticipant returns the conversation whose counterpart is userID.
func (d *Directory) FindByParticipant(userID string) (model.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.byID {
		if c.OtherParticipant.ID == userID {
			return *c, true
		}
	}
	return model.Conversation{}, false
}

// SetOpen records the conversation currently displayed. Pass "" when no
// conversation is open.
func (d *Directory) SetOpen(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openID = id
}

// Open returns the currently displayed conversation id.
func (d *Directory) Open() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.openID
}

// BumpUnread adds delta to the conversation's unread count, unless the
// conversation is currently open, in which case unread stays 0.
func (d *Directory) BumpUnread(id string, delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[id]
	if !ok || id == d.openID {
		return
	}
	c.UnreadCount += delta
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
}

// ResetUnread sets the conversation's unread count to 0.
func (d *Directory) ResetUnread(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.byID[id]; ok {
		c.UnreadCount = 0
	}
}

// TouchLastActivity moves the conversation's ordering hint forward. Older
// timestamps are ignored.
func (d *Directory) TouchLastActivity(id string, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[id]
	if !ok {
		return
	}
	if c.LastActivityAt == nil || ts.After(*c.LastActivityAt) {
		c.LastActivityAt = &ts
	}
}

// Snapshot returns a copy of every conversation, most recent activity
// first; entries without activity sort last.
func (d *Directory) Snapshot() []model.Conversation {
	d.mu.RLock()
	out := make([]model.Conversation, 0, len(d.byID))
	for _, c := range d.byID {
		out = append(out, *c)
	}
	d.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastActivityAt, out[j].LastActivityAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return out
}

// TotalUnread sums unread counts across every conversation.
func (d *Directory) TotalUnread() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, c := range d.byID {
		total += c.UnreadCount
	}
	return total
}
