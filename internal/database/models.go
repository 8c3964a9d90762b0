package database

import (
	"time"

	"github.com/npezzotti/go-opschat/internal/types"
)

type User struct {
	Id       string
	TenantId string
	Name     string
	Email    string
	Handle   string
}

type Channel struct {
	Id            string
	TenantId      string
	Name          string
	Description   string
	CreatorId     string
	Members       []string
	IsPrivate     bool
	IsStarred     bool
	LastMessageId string
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Conversation struct {
	Id              string
	Participants    []string
	ParticipantsKey string
	CreatedBy       string
	LastMessageId   string
	LastMessageAt   *time.Time
	ArchivedBy      []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Message struct {
	Id             string
	Seq            int64
	ChannelId      string
	ConversationId string
	SenderId       string
	Content        string
	Type           string
	Attachments    []types.Attachment
	CreatedAt      time.Time
	Edited         bool
	EditedAt       *time.Time
	Deleted        bool
	DeletedAt      *time.Time
	ReadBy         []types.ReadReceipt
}

type CreateChannelParams struct {
	Id          string
	TenantId    string
	Name        string
	Description string
	CreatorId   string
	Members     []string
	IsPrivate   bool
	CreatedAt   time.Time
}

type ListChannelsParams struct {
	UserId      string
	TenantId    string
	Search      string
	StarredOnly bool
}

// UpdateChannelParams leaves a field unchanged when it is nil.
type UpdateChannelParams struct {
	Id          string
	Name        *string
	Description *string
	IsPrivate   *bool
	Members     []string
	UpdatedAt   time.Time
}

type CreateConversationParams struct {
	Id              string
	Participants    []string
	ParticipantsKey string
	CreatedBy       string
	CreatedAt       time.Time
}

type CreateMessageParams struct {
	Id             string
	ChannelId      string
	ConversationId string
	SenderId       string
	Content        string
	Type           string
	Attachments    []types.Attachment
	CreatedAt      time.Time
}

type ListMessagesParams struct {
	ChannelId      string
	ConversationId string
	Limit          int
	Offset         int
}
