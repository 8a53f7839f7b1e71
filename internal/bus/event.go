package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Handler is a synchronous event callback registered with On.
type Handler func(Event)

// Kinds published by components other than the transport. Inbound server
// events are published under their wire name (see package wire).
const (
	KindConnection         = "connection"
	KindError              = "error"
	KindTimelineChanged    = "timeline.changed"
	KindPresenceChanged    = "presence.changed"
	KindTypingChanged      = "typing.changed"
	KindSendFailed         = "message.send_failed"
	KindConversationUpsert = "conversation.upserted"
	KindConversationActive = "conversation.active"
)
