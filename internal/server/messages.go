package server

import (
	"encoding/json"
	"time"

	"github.com/npezzotti/go-opschat/internal/chat"
	"github.com/npezzotti/go-opschat/internal/errs"
)

// Inbound live-session events.
const (
	EventJoinChannel             = "joinChannel"
	EventLeaveChannel            = "leaveChannel"
	EventJoinConversation        = "joinConversation"
	EventLeaveConversation       = "leaveConversation"
	EventSendMessage             = "sendMessage"
	EventSendConversationMessage = "sendConversationMessage"
	EventUpdateMessage           = "updateMessage"
	EventDeleteMessage           = "deleteMessage"
	EventTyping                  = "typing"
	EventStopTyping              = "stopTyping"
)

// Outbound events owned by the session layer. Domain events are defined in
// package chat.
const (
	EventUserOnline      = "userOnline"
	EventUserOffline     = "userOffline"
	EventOnlineUsersList = "onlineUsersList"
	EventError           = "error"
	EventAck             = "ack"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a request from a live session. A positive Id asks for an
// ack carrying the result.
type ClientMessage struct {
	BaseMessage
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type MessageRef struct {
	MessageId string `json:"message_id"`
	Content   string `json:"content,omitempty"`
}

type PresenceChange struct {
	UserId string `json:"user_id"`
}

type OnlineUsers struct {
	UserIds []string `json:"user_ids"`
}

type RoomAck struct {
	Room string `json:"room"`
}

type ErrorPayload struct {
	Message        string `json:"message"`
	Kind           string `json:"kind"`
	RequestId      int    `json:"request_id,omitempty"`
	ChannelId      string `json:"channel_id,omitempty"`
	ConversationId string `json:"conversation_id,omitempty"`
}

// NewServerMessage encodes payload into an event frame.
func NewServerMessage(id int, event string, payload any) (*ServerMessage, error) {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Event: event,
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}

	return msg, nil
}

// ErrorMessage builds the error event for a failed request. Internal errors
// are reported without detail.
func ErrorMessage(id int, err error, scope chat.Scope) *ServerMessage {
	kind := errs.KindOf(err)

	payload := ErrorPayload{
		Message:        "internal error",
		Kind:           kind.String(),
		RequestId:      id,
		ChannelId:      scope.ChannelId,
		ConversationId: scope.ConversationId,
	}
	if kind != errs.KindInternal {
		payload.Message = err.Error()
	}

	data, _ := json.Marshal(payload)
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Event: EventError,
		Data:  data,
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	return ErrorMessage(id, errs.Validation("invalid message format"), chat.Scope{})
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
