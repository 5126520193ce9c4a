// Package model defines the wire-level data types shared by the REST
// client, the push channel and the in-memory inbox state.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks client-generated message ids that have not been
// confirmed by the server yet.
const TempIDPrefix = "tmp-"

// NewTempID returns a fresh temporary message id.
func NewTempID() string {
	return TempIDPrefix + uuid.New().String()
}

// IsTempID reports whether id was generated locally by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Participant is the counterpart user of a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Conversation is a two-party messaging thread. ID is empty for a
// speculative conversation created locally before the server assigned one.
type Conversation struct {
	ID               string      `json:"id"`
	OtherParticipant Participant `json:"otherParticipant"`
	LastActivityAt   *time.Time  `json:"lastActivityAt,omitempty"`
	UnreadCount      int         `json:"unreadCount"`
}

// Attachment describes an uploaded file referenced by a message. It is
// immutable once produced by the upload step.
type Attachment struct {
	StoragePath string `json:"storagePath"`
	DisplayName string `json:"displayName"`
	MimeType    string `json:"mimeType"`
	SizeBytes   int64  `json:"sizeBytes"`
	FileID      string `json:"fileId,omitempty"`
}

// Message is a single timeline entry. ID carries the TempIDPrefix while the
// message is optimistic and unconfirmed.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Body           string      `json:"body"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	IsRead         bool        `json:"isRead"`
}

// IsTemp reports whether the message is still an optimistic placeholder.
func (m *Message) IsTemp() bool {
	return IsTempID(m.ID)
}

// User is a messageable account returned by the backend, role-filtered
// server side.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// TypingEvent is the payload of the user_typing push event.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// OutgoingMessage is the payload emitted on the chat_message push event.
type OutgoingMessage struct {
	ConversationID string      `json:"conversationId"`
	Body           string      `json:"body"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}
