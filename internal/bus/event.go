package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace prefix,
// e.g. "message." receives every message event.
const (
	KindChannelConnected    = "channel.connected"
	KindChannelDisconnected = "channel.disconnected"

	KindMessageReceived   = "message.received"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindDirectoryUpdated = "directory.updated"
	KindDirectoryRefresh = "directory.refreshed"

	KindSessionOpened       = "session.opened"
	KindSessionStateChanged = "session.state_changed"
	KindSessionNotified     = "session.notified"

	KindTypingChanged = "typing.changed"
)

// Event is a domain event published on the in-process bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// DirectoryUpdate is the payload of directory.updated events, emitted when
// a background conversation's unread bookkeeping changes.
type DirectoryUpdate struct {
	ConversationID string
	TotalUnread    int
}

// SendAck is the payload of message.send_ack events.
type SendAck struct {
	TempID      string
	ConfirmedID string
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	TempID string
	Err    string
}
