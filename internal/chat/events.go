package chat

import (
	"time"

	"github.com/npezzotti/go-opschat/internal/types"
)

// Outbound live-session events.
const (
	EventNewMessage                 = "newMessage"
	EventChannelUpdate              = "channelUpdate"
	EventMessageUpdated             = "messageUpdated"
	EventMessageDeleted             = "messageDeleted"
	EventConversationNewMessage     = "conversation:newMessage"
	EventConversationUpdate         = "conversation:update"
	EventConversationMessageUpdated = "conversation:messageUpdated"
	EventConversationMessageDeleted = "conversation:messageDeleted"
	EventTyping                     = "typing"
	EventStopTyping                 = "stopTyping"
	EventChannelCreated             = "channelCreated"
	EventChannelUpdated             = "channelUpdated"
	EventChannelDeleted             = "channelDeleted"
	EventMembersAdded               = "membersAdded"
	EventMembersRemoved             = "membersRemoved"
	EventAddedToChannel             = "addedToChannel"
	EventRemovedFromChannel         = "removedFromChannel"
	EventConversationCreated        = "conversation:created"
	EventConversationArchived       = "conversation:archived"
	EventConversationUnarchived     = "conversation:unarchived"
)

// ChannelUpdate is sent to members' personal rooms when a channel receives
// a message.
type ChannelUpdate struct {
	ChannelId     string        `json:"channel_id"`
	LastMessage   types.Message `json:"last_message"`
	LastMessageAt time.Time     `json:"last_message_at"`
}

// ConversationUpdate is sent to participants' personal rooms when a
// conversation receives a message.
type ConversationUpdate struct {
	ConversationId string        `json:"conversation_id"`
	LastMessage    types.Message `json:"last_message"`
	LastMessageAt  time.Time     `json:"last_message_at"`
}

type DeletedMessage struct {
	Id             string    `json:"id"`
	ChannelId      string    `json:"channel_id,omitempty"`
	ConversationId string    `json:"conversation_id,omitempty"`
	DeletedAt      time.Time `json:"deleted_at"`
}

type MembershipChange struct {
	ChannelId string   `json:"channel_id"`
	UserIds   []string `json:"user_ids"`
}

type ChannelRef struct {
	ChannelId string `json:"channel_id"`
}

type TypingIndicator struct {
	UserId         string `json:"user_id"`
	ChannelId      string `json:"channel_id,omitempty"`
	ConversationId string `json:"conversation_id,omitempty"`
}
