package database

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update did not apply
	// because the row is no longer in the expected state.
	ErrConflict = errors.New("record state conflict")
)

type Repository interface {
	Ping(ctx context.Context) error

	GetUsers(ctx context.Context, ids []string) ([]User, error)
	UpsertUser(ctx context.Context, user User) error

	CreateChannel(ctx context.Context, params CreateChannelParams) (Channel, error)
	GetChannel(ctx context.Context, id string) (Channel, error)
	ListChannels(ctx context.Context, params ListChannelsParams) ([]Channel, error)
	UpdateChannel(ctx context.Context, params UpdateChannelParams) (Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	AddChannelMembers(ctx context.Context, id string, userIds []string) (Channel, error)
	RemoveChannelMembers(ctx context.Context, id string, userIds []string) (Channel, error)
	ToggleChannelStar(ctx context.Context, id string) (Channel, error)
	TouchChannel(ctx context.Context, id, messageId string, at time.Time) error

	CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	GetConversationByKey(ctx context.Context, key string) (Conversation, error)
	ListConversations(ctx context.Context, userId string) ([]Conversation, error)
	ArchiveConversation(ctx context.Context, id, userId string) (Conversation, error)
	UnarchiveConversation(ctx context.Context, id string, userIds []string) (Conversation, error)
	TouchConversation(ctx context.Context, id, messageId string, at time.Time) error

	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, int, error)
	MarkMessagesRead(ctx context.Context, messageIds []string, userId string, at time.Time) error
	EditMessage(ctx context.Context, id, content string, at time.Time) (Message, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) (Message, error)
}
