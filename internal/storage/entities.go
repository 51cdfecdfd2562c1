package storage

import "time"

type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	DisplayName  string `json:"display_name"`
	Avatar       []byte `json:"-"`
	Banned       bool   `json:"banned"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Type           string    `json:"msg_type"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationPreview is one sidebar entry for the direct-chat list: the
// partner's identity plus the time of the latest message, newest first.
type ConversationPreview struct {
	ConversationID     int64      `json:"conversation_id"`
	PartnerUsername    string     `json:"partner_username"`
	PartnerDisplayName string     `json:"partner_display_name"`
	PartnerAvatar      []byte     `json:"-"`
	LastTime           *time.Time `json:"last_time"`
}

type Group struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	OwnerID int64  `json:"owner_id"`
	Avatar  []byte `json:"-"`
}

// GroupMember pairs a member's id with its username for fan-out and listings.
type GroupMember struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}
