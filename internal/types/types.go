package types

import (
	"time"
)

// Identity is the verified caller of a request or live session.
type Identity struct {
	UserId   string `json:"user_id"`
	Role     string `json:"role,omitempty"`
	TenantId string `json:"tenant_id,omitempty"`
}

type User struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Handle   string `json:"handle,omitempty"`
	TenantId string `json:"tenant_id,omitempty"`
}

type Channel struct {
	Id             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	CreatorId      string     `json:"creator_id"`
	Members        []string   `json:"members"`
	MemberProfiles []User     `json:"member_profiles,omitempty"`
	IsPrivate      bool       `json:"is_private"`
	IsStarred      bool       `json:"is_starred"`
	LastMessageId  string     `json:"last_message_id,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	TenantId       string     `json:"tenant_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Conversation struct {
	Id                  string     `json:"id"`
	Participants        []string   `json:"participants"`
	ParticipantProfiles []User     `json:"participant_profiles,omitempty"`
	ParticipantsKey     string     `json:"participants_key"`
	CreatedBy           string     `json:"created_by"`
	LastMessageId       string     `json:"last_message_id,omitempty"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
	ArchivedBy          []string   `json:"archived_by"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

type Attachment struct {
	Name     string `json:"name,omitempty"`
	Url      string `json:"url" validate:"required,url"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty" validate:"gte=0"`
}

type ReadReceipt struct {
	UserId string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type Message struct {
	Id             string        `json:"id"`
	Seq            int64         `json:"seq"`
	ChannelId      string        `json:"channel_id,omitempty"`
	ConversationId string        `json:"conversation_id,omitempty"`
	SenderId       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	Attachments    []Attachment  `json:"attachments"`
	CreatedAt      time.Time     `json:"created_at"`
	Edited         bool          `json:"edited"`
	EditedAt       *time.Time    `json:"edited_at,omitempty"`
	Deleted        bool          `json:"deleted"`
	DeletedAt      *time.Time    `json:"deleted_at,omitempty"`
	ReadBy         []ReadReceipt `json:"read_by"`
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type MessagePage struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}
