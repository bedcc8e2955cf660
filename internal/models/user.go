package models

import "time"

// User is a directory entry for a registered CyCap member. Only display
// identity lives here; accounts, subscriptions and broker links belong to
// the main platform.
type User struct {
	ID        string    `json:"id"` // UUID
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlaceholderSender is the display identity used when a sender id cannot be
// resolved from the directory. Unresolved senders never fail a request.
func PlaceholderSender(senderID string) *Sender {
	return &Sender{
		ID:        senderID,
		FirstName: "Unknown",
		LastName:  "User",
		Username:  senderID,
	}
}

// SenderSnapshot builds the denormalized display snapshot for a user.
func (u *User) SenderSnapshot() *Sender {
	return &Sender{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
	}
}
