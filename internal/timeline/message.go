package timeline

import "time"

// Status is the delivery status of a message. Sending through Read are
// ordered; Failed stands outside that order.
type Status int

const (
	Sending Status = iota
	Sent
	Delivered
	Read
	Failed
)

func (s Status) String() string {
	switch s {
	case Sending:
		return "sending"
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// ParseStatus maps a wire status to a Status. Anything unrecognised,
// including the empty string, is treated as sent.
func ParseStatus(s string) Status {
	switch s {
	case "delivered":
		return Delivered
	case "read":
		return Read
	default:
		return Sent
	}
}

// Advances reports whether moving from s to next is a forward step.
func (s Status) Advances(next Status) bool {
	if s == Failed || next == Failed {
		return false
	}
	return next > s
}

// Message is one timeline entry. ServerID is empty until the server
// confirms the message.
type Message struct {
	ClientID       string
	ServerID       string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	CreatedAt      time.Time
	Status         Status

	seq uint64
}

// Pending reports whether the message still waits for its echo.
func (m Message) Pending() bool {
	return m.ServerID == "" && (m.Status == Sending || m.Status == Failed)
}

// before orders by creation time, then by insertion sequence.
func (m *Message) before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.seq < o.seq
}

// Changed is the payload of bus.KindTimelineChanged.
type Changed struct {
	ConversationID string
}
