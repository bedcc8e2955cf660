package models

import "time"

// MessageType discriminates plain chat text from structured trade alerts.
// Trade alerts carry a JSON-encoded alert inside Content; there is no
// separate payload schema.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageTradeAlert MessageType = "trade_alert"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageTradeAlert
}

// Sender is the denormalized display snapshot attached to a message at read
// time. It is resolved from the user directory and is never authoritative.
type Sender struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Message is a chat message. Field names on the wire are camelCase — the
// contract the browser clients already speak.
type Message struct {
	ID        string      `json:"id"`        // ULID, server-assigned
	ChannelID string      `json:"channelId"` // trace/community, partition key
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	SenderID  string      `json:"senderId"`
	Sender    *Sender     `json:"sender,omitempty"`
	CreatedAt time.Time   `json:"createdAt"` // authoritative ordering key
}
