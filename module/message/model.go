package message

import (
	"time"
)

// TimeLayout is RFC3339 with milliseconds, always rendered in UTC.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

// Message is one persisted direct message. Body and AttachmentURL are never
// both empty; ReadAt is set at most once.
type Message struct {
	ID            int64      `json:"id" bson:"_id"`
	FromUserID    int64      `json:"from_user_id" bson:"from_user_id"`
	ToUserID      int64      `json:"to_user_id" bson:"to_user_id"`
	Body          string     `json:"message" bson:"message"`
	AttachmentURL string     `json:"attachment_url,omitempty" bson:"attachment_url,omitempty"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at"`
	ReadAt        *time.Time `json:"read_at" bson:"read_at"`
}

// HasContent reports whether body or attachment is non-empty. A body of only
// whitespace still counts.
func (m *Message) HasContent() bool {
	return m.Body != "" || m.AttachmentURL != ""
}

// Summary is one row of a user's conversation list: the latest message
// exchanged with a counterpart plus how many of theirs are still unread.
type Summary struct {
	UserID          int64     `json:"userId" bson:"_id"`
	Username        string    `json:"username" bson:"username"`
	LastMessage     string    `json:"lastMessage" bson:"last_message"`
	LastMessageTime time.Time `json:"lastMessageTime" bson:"last_message_time"`
	UnreadCount     int       `json:"unreadCount" bson:"unread_count"`
}

// ---- wire payloads ----

// SendRequest is the inbound "message" event.
type SendRequest struct {
	To            int64  `json:"to"`
	Message       string `json:"message"`
	AttachmentURL string `json:"attachmentUrl"`
}

// MarkReadRequest is the inbound "mark_read" event.
type MarkReadRequest struct {
	From int64 `json:"from"`
}

// TypingRequest is the inbound "typing_start" / "typing_stop" event.
type TypingRequest struct {
	To int64 `json:"to"`
}

// Payload is pushed as "message" to the recipient and echoed as
// "message_sent" to the sender.
type Payload struct {
	ID            int64   `json:"id,omitempty"`
	Type          string  `json:"type"`
	From          int64   `json:"from"`
	To            int64   `json:"to"`
	Message       string  `json:"message"`
	AttachmentURL *string `json:"attachmentUrl"`
	Timestamp     string  `json:"timestamp"`
}

func NewPayload(m *Message) Payload {
	p := Payload{
		ID:        m.ID,
		Type:      EventMessage,
		From:      m.FromUserID,
		To:        m.ToUserID,
		Message:   m.Body,
		Timestamp: FormatTime(m.CreatedAt),
	}
	if m.AttachmentURL != "" {
		u := m.AttachmentURL
		p.AttachmentURL = &u
	}
	return p
}

type ReadReceipt struct {
	By        int64  `json:"by"`
	Timestamp string `json:"timestamp"`
}

type TypingSignal struct {
	From int64 `json:"from"`
}

// SendError is pushed as "message_error" when a send is rejected in
// required durability mode.
type SendError struct {
	To     int64  `json:"to"`
	Reason string `json:"reason"`
}

// ReadEvent is what gets fanned out when a recipient acknowledges a sender.
type ReadEvent struct {
	ReaderID int64     `json:"readerId"`
	SenderID int64     `json:"senderId"`
	Updated  int64     `json:"updated"`
	At       time.Time `json:"at"`
}
