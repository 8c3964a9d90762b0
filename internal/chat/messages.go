package chat

import (
	"context"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/go-opschat/internal/database"
	"github.com/npezzotti/go-opschat/internal/errs"
	"github.com/npezzotti/go-opschat/internal/stats"
	"github.com/npezzotti/go-opschat/internal/types"
)

const (
	MaxContentLength = 4000

	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// Scope identifies the channel or conversation a message belongs to.
// Exactly one of the ids is set.
type Scope struct {
	ChannelId      string `json:"channel_id,omitempty"`
	ConversationId string `json:"conversation_id,omitempty"`
}

func (sc Scope) IsChannel() bool {
	return sc.ChannelId != ""
}

func (sc Scope) Room() string {
	if sc.IsChannel() {
		return ChannelRoom(sc.ChannelId)
	}
	return ConversationRoom(sc.ConversationId)
}

func (sc Scope) validate() error {
	if (sc.ChannelId == "") == (sc.ConversationId == "") {
		return errs.Validation("exactly one of channel id or conversation id is required")
	}
	if !validID(sc.ChannelId + sc.ConversationId) {
		return errs.Validation("invalid id format")
	}
	return nil
}

func scopeOf(msg database.Message) Scope {
	return Scope{ChannelId: msg.ChannelId, ConversationId: msg.ConversationId}
}

type SendMessageParams struct {
	Scope
	Content     string             `json:"content" validate:"required"`
	Type        types.MessageType  `json:"type" validate:"omitempty,oneof=text image file"`
	Attachments []types.Attachment `json:"attachments" validate:"omitempty,dive"`
}

func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errs.Validation("message content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", errs.Validation("message content exceeds %d characters", MaxContentLength)
	}
	return content, nil
}

func normalizeType(t types.MessageType) (types.MessageType, error) {
	switch t {
	case "":
		return types.MessageTypeText, nil
	case types.MessageTypeText, types.MessageTypeImage, types.MessageTypeFile:
		return t, nil
	default:
		return "", errs.Validation("unsupported message type %q", t)
	}
}

// authorizeRead lets any channel member or conversation participant read.
// The loaded parent is returned for callers that need it.
func (s *Service) authorizeRead(ctx context.Context, caller types.Identity, scope Scope) (database.Channel, database.Conversation, error) {
	if err := requireUser(caller); err != nil {
		return database.Channel{}, database.Conversation{}, err
	}
	if err := scope.validate(); err != nil {
		return database.Channel{}, database.Conversation{}, err
	}

	if scope.IsChannel() {
		ch, err := s.channelForMember(ctx, caller, scope.ChannelId)
		return ch, database.Conversation{}, err
	}

	conv, err := s.conversationForParticipant(ctx, caller, scope.ConversationId)
	return database.Channel{}, conv, err
}

// authorizeWrite additionally restricts channel writes to the creator.
func (s *Service) authorizeWrite(ctx context.Context, caller types.Identity, scope Scope) (database.Channel, database.Conversation, error) {
	ch, conv, err := s.authorizeRead(ctx, caller, scope)
	if err != nil {
		return ch, conv, err
	}
	if scope.IsChannel() && ch.CreatorId != caller.UserId {
		return ch, conv, errs.Forbidden("only the channel creator can post")
	}
	return ch, conv, nil
}

// AuthorizeScope reports whether caller may read scope and join its room.
func (s *Service) AuthorizeScope(ctx context.Context, caller types.Identity, scope Scope) error {
	_, _, err := s.authorizeRead(ctx, caller, scope)
	return err
}

func (s *Service) SendMessage(ctx context.Context, caller types.Identity, params SendMessageParams) (types.Message, error) {
	if err := requireUser(caller); err != nil {
		return types.Message{}, err
	}
	if err := params.Scope.validate(); err != nil {
		return types.Message{}, err
	}
	if err := Validate(params); err != nil {
		return types.Message{}, err
	}

	content, err := normalizeContent(params.Content)
	if err != nil {
		return types.Message{}, err
	}
	msgType, err := normalizeType(params.Type)
	if err != nil {
		return types.Message{}, err
	}

	unlock := s.locks.Lock(params.Scope.Room())
	defer unlock()

	ch, conv, err := s.authorizeWrite(ctx, caller, params.Scope)
	if err != nil {
		return types.Message{}, err
	}

	id, err := newID()
	if err != nil {
		return types.Message{}, errs.Internal(err)
	}

	stored, err := s.db.CreateMessage(ctx, database.CreateMessageParams{
		Id:             id,
		ChannelId:      params.ChannelId,
		ConversationId: params.ConversationId,
		SenderId:       caller.UserId,
		Content:        content,
		Type:           string(msgType),
		Attachments:    params.Attachments,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return types.Message{}, storeErr(err, "scope")
	}

	msg := toMessage(stored)

	if params.Scope.IsChannel() {
		if err := s.db.TouchChannel(ctx, ch.Id, msg.Id, msg.CreatedAt); err != nil {
			return types.Message{}, storeErr(err, "channel")
		}

		s.notifier.Publish(ChannelRoom(ch.Id), EventNewMessage, msg, "")

		update := ChannelUpdate{ChannelId: ch.Id, LastMessage: msg, LastMessageAt: msg.CreatedAt}
		for _, member := range recipients(ch) {
			if member != caller.UserId {
				s.notifier.NotifyUser(member, EventChannelUpdate, update)
			}
		}
	} else {
		if err := s.db.TouchConversation(ctx, conv.Id, msg.Id, msg.CreatedAt); err != nil {
			return types.Message{}, storeErr(err, "conversation")
		}

		if slices.Contains(conv.ArchivedBy, caller.UserId) {
			updated, err := s.db.UnarchiveConversation(ctx, conv.Id, []string{caller.UserId})
			if err != nil {
				return types.Message{}, storeErr(err, "conversation")
			}
			s.notifier.NotifyUser(caller.UserId, EventConversationUnarchived, toConversation(updated))
		}

		s.notifier.Publish(ConversationRoom(conv.Id), EventConversationNewMessage, msg, "")

		update := ConversationUpdate{ConversationId: conv.Id, LastMessage: msg, LastMessageAt: msg.CreatedAt}
		for _, p := range conv.Participants {
			s.notifier.NotifyUser(p, EventConversationUpdate, update)
		}
	}

	s.stats.Incr(stats.NumMessagesSent)
	return msg, nil
}

// ListMessages returns one page of the scope's live messages, oldest first,
// and records a read receipt for the caller on each returned message.
func (s *Service) ListMessages(ctx context.Context, caller types.Identity, scope Scope, page, limit int) (types.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	limit = min(limit, MaxPageLimit)

	if _, _, err := s.authorizeRead(ctx, caller, scope); err != nil {
		return types.MessagePage{}, err
	}

	stored, total, err := s.db.ListMessages(ctx, database.ListMessagesParams{
		ChannelId:      scope.ChannelId,
		ConversationId: scope.ConversationId,
		Limit:          limit,
		Offset:         (page - 1) * limit,
	})
	if err != nil {
		return types.MessagePage{}, errs.Internal(err)
	}

	now := s.now()
	var unread []string
	for i := range stored {
		read := slices.ContainsFunc(stored[i].ReadBy, func(r types.ReadReceipt) bool {
			return r.UserId == caller.UserId
		})
		if !read {
			unread = append(unread, stored[i].Id)
			stored[i].ReadBy = append(stored[i].ReadBy, types.ReadReceipt{UserId: caller.UserId, ReadAt: now})
		}
	}

	if len(unread) > 0 {
		if err := s.db.MarkMessagesRead(ctx, unread, caller.UserId, now); err != nil {
			return types.MessagePage{}, errs.Internal(err)
		}
	}

	messages := make([]types.Message, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		messages = append(messages, toMessage(stored[i]))
	}

	return types.MessagePage{
		Messages: messages,
		Pagination: types.Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: (total + limit - 1) / limit,
		},
	}, nil
}

func (s *Service) loadMessage(ctx context.Context, id string) (database.Message, error) {
	if !validID(id) {
		return database.Message{}, errs.Validation("invalid id format")
	}

	msg, err := s.db.GetMessage(ctx, id)
	if err != nil {
		return database.Message{}, storeErr(err, "message")
	}
	return msg, nil
}

// GetMessage returns a message by id, including soft-deleted ones.
func (s *Service) GetMessage(ctx context.Context, caller types.Identity, id string) (types.Message, error) {
	if err := requireUser(caller); err != nil {
		return types.Message{}, err
	}

	msg, err := s.loadMessage(ctx, id)
	if err != nil {
		return types.Message{}, err
	}

	if _, _, err := s.authorizeRead(ctx, caller, scopeOf(msg)); err != nil {
		return types.Message{}, err
	}
	return toMessage(msg), nil
}

func (s *Service) senderMessage(ctx context.Context, caller types.Identity, id string) (database.Message, error) {
	if err := requireUser(caller); err != nil {
		return database.Message{}, err
	}

	msg, err := s.loadMessage(ctx, id)
	if err != nil {
		return database.Message{}, err
	}
	if msg.SenderId != caller.UserId {
		return database.Message{}, errs.Forbidden("only the sender can modify this message")
	}
	if msg.Deleted {
		return database.Message{}, errs.Conflict("message has been deleted")
	}
	return msg, nil
}

func (s *Service) EditMessage(ctx context.Context, caller types.Identity, id, content string) (types.Message, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return types.Message{}, err
	}

	msg, err := s.senderMessage(ctx, caller, id)
	if err != nil {
		return types.Message{}, err
	}

	scope := scopeOf(msg)
	unlock := s.locks.Lock(scope.Room())
	defer unlock()

	stored, err := s.db.EditMessage(ctx, id, content, s.now())
	if err != nil {
		return types.Message{}, storeErr(err, "message")
	}

	updated := toMessage(stored)
	event := EventMessageUpdated
	if !scope.IsChannel() {
		event = EventConversationMessageUpdated
	}
	s.notifier.Publish(scope.Room(), event, updated, "")

	return updated, nil
}

// DeleteMessage soft-deletes a message. The stored content is kept.
func (s *Service) DeleteMessage(ctx context.Context, caller types.Identity, id string) (DeletedMessage, error) {
	msg, err := s.senderMessage(ctx, caller, id)
	if err != nil {
		return DeletedMessage{}, err
	}

	scope := scopeOf(msg)
	unlock := s.locks.Lock(scope.Room())
	defer unlock()

	stored, err := s.db.SoftDeleteMessage(ctx, id, s.now())
	if err != nil {
		return DeletedMessage{}, storeErr(err, "message")
	}

	deleted := DeletedMessage{
		Id:             stored.Id,
		ChannelId:      stored.ChannelId,
		ConversationId: stored.ConversationId,
		DeletedAt:      *stored.DeletedAt,
	}

	event := EventMessageDeleted
	if !scope.IsChannel() {
		event = EventConversationMessageDeleted
	}
	s.notifier.Publish(scope.Room(), event, deleted, "")

	return deleted, nil
}

// Typing relays an ephemeral typing indicator to everyone in the scope's
// room except the session that sent it.
func (s *Service) Typing(ctx context.Context, caller types.Identity, scope Scope, sessionId string, typing bool) error {
	if _, _, err := s.authorizeRead(ctx, caller, scope); err != nil {
		return err
	}

	event := EventStopTyping
	if typing {
		event = EventTyping
	}

	s.notifier.Publish(scope.Room(), event, TypingIndicator{
		UserId:         caller.UserId,
		ChannelId:      scope.ChannelId,
		ConversationId: scope.ConversationId,
	}, sessionId)
	return nil
}

// RoomsFor lists every room a freshly connected session of caller joins.
func (s *Service) RoomsFor(ctx context.Context, caller types.Identity) ([]string, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}

	chs, err := s.db.ListChannels(ctx, database.ListChannelsParams{UserId: caller.UserId})
	if err != nil {
		return nil, errs.Internal(err)
	}
	convs, err := s.db.ListConversations(ctx, caller.UserId)
	if err != nil {
		return nil, errs.Internal(err)
	}

	rooms := make([]string, 0, 1+len(chs)+len(convs))
	rooms = append(rooms, UserRoom(caller.UserId))
	for _, ch := range chs {
		rooms = append(rooms, ChannelRoom(ch.Id))
	}
	for _, conv := range convs {
		rooms = append(rooms, ConversationRoom(conv.Id))
	}
	return rooms, nil
}
