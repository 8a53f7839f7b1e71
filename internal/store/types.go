package store

// Conversation is one row of the directory. LastMessageAt is unix millis.
type Conversation struct {
	ID                 string
	PeerID             string
	PeerName           string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}
