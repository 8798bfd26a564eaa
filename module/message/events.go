package message

// 事件名，入站与出站共用
const (
	EventAuth         = "auth"
	EventMessage      = "message"
	EventMessageSent  = "message_sent"
	EventMessageRead  = "message_read"
	EventMessageError = "message_error"
	EventMarkRead     = "mark_read"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventUnreadCounts = "unread_counts"
)
