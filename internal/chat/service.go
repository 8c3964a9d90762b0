// Package chat implements channels, direct conversations and the message
// ledger. HTTP handlers and live sessions both call Service, so the
// authorization checks and the fanout that follows a write are the same on
// either path.
package chat

import (
	"context"
	"errors"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-opschat/internal/database"
	"github.com/npezzotti/go-opschat/internal/errs"
	"github.com/npezzotti/go-opschat/internal/stats"
	"github.com/npezzotti/go-opschat/internal/types"
)

// Notifier delivers events to live sessions. Implementations must not block
// the caller; Service invokes it while holding the per-scope write lock.
type Notifier interface {
	// Publish sends event to every session subscribed to room, except the
	// session identified by skipSession when it is non-empty.
	Publish(room, event string, payload any, skipSession string)
	// NotifyUser sends event to every session owned by userId.
	NotifyUser(userId, event string, payload any)
	// SubscribeUser joins every live session of userId to room.
	SubscribeUser(userId, room string)
	// UnsubscribeUser removes every live session of userId from room.
	UnsubscribeUser(userId, room string)
	// CloseRoom drops all subscriptions to room.
	CloseRoom(room string)
}

type Service struct {
	db       database.Repository
	notifier Notifier
	log      *log.Logger
	stats    stats.StatsProvider
	locks    *keyedMutex
	now      func() time.Time

	// last profile written per user, so the directory is only touched when
	// a verified identity changes
	seen sync.Map
}

func NewService(db database.Repository, notifier Notifier, logger *log.Logger, stats stats.StatsProvider) *Service {
	return &Service{
		db:       db,
		notifier: notifier,
		log:      logger,
		stats:    stats,
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func ChannelRoom(id string) string      { return "channel:" + id }
func ConversationRoom(id string) string { return "conversation:" + id }
func UserRoom(id string) string         { return "user:" + id }

// SyncUser records the directory projection of a verified user.
func (s *Service) SyncUser(ctx context.Context, user types.User) error {
	if user.Id == "" {
		return errs.Validation("user id is required")
	}

	if prev, ok := s.seen.Load(user.Id); ok && prev.(types.User) == user {
		return nil
	}

	err := s.db.UpsertUser(ctx, database.User{
		Id:       user.Id,
		TenantId: user.TenantId,
		Name:     user.Name,
		Email:    user.Email,
		Handle:   user.Handle,
	})
	if err != nil {
		return errs.Internal(err)
	}

	s.seen.Store(user.Id, user)
	return nil
}

func requireUser(caller types.Identity) error {
	if caller.UserId == "" {
		return errs.Forbidden("authentication required")
	}
	return nil
}

func storeErr(err error, what string) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return errs.NotFound("%s not found", what)
	case errors.Is(err, database.ErrConflict):
		return errs.Conflict("%s has been deleted", what)
	default:
		return errs.Internal(err)
	}
}

// uniqueIds returns ids without duplicates, keeping first-seen order.
func uniqueIds(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// checkUsersExist fails with a validation error naming the first id that
// is not in the directory.
func (s *Service) checkUsersExist(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		if !validID(id) {
			return errs.Validation("invalid id format: %q", id)
		}
	}

	users, err := s.db.GetUsers(ctx, ids)
	if err != nil {
		return errs.Internal(err)
	}

	for _, id := range ids {
		found := slices.ContainsFunc(users, func(u database.User) bool {
			return u.Id == id
		})
		if !found {
			return errs.Validation("unknown user %q", id)
		}
	}
	return nil
}

func (s *Service) profiles(ctx context.Context, ids []string) (map[string]types.User, error) {
	users, err := s.db.GetUsers(ctx, ids)
	if err != nil {
		return nil, errs.Internal(err)
	}

	out := make(map[string]types.User, len(users))
	for _, u := range users {
		out[u.Id] = toUser(u)
	}
	return out, nil
}

func pick(profiles map[string]types.User, ids []string) []types.User {
	users := make([]types.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := profiles[id]; ok {
			users = append(users, u)
		}
	}
	return users
}

func toUser(u database.User) types.User {
	return types.User{
		Id:       u.Id,
		Name:     u.Name,
		Email:    u.Email,
		Handle:   u.Handle,
		TenantId: u.TenantId,
	}
}

func toChannel(ch database.Channel) types.Channel {
	members := ch.Members
	if members == nil {
		members = []string{}
	}

	return types.Channel{
		Id:            ch.Id,
		Name:          ch.Name,
		Description:   ch.Description,
		CreatorId:     ch.CreatorId,
		Members:       members,
		IsPrivate:     ch.IsPrivate,
		IsStarred:     ch.IsStarred,
		LastMessageId: ch.LastMessageId,
		LastMessageAt: ch.LastMessageAt,
		TenantId:      ch.TenantId,
		CreatedAt:     ch.CreatedAt,
		UpdatedAt:     ch.UpdatedAt,
	}
}

func toConversation(conv database.Conversation) types.Conversation {
	archivedBy := conv.ArchivedBy
	if archivedBy == nil {
		archivedBy = []string{}
	}

	return types.Conversation{
		Id:              conv.Id,
		Participants:    conv.Participants,
		ParticipantsKey: conv.ParticipantsKey,
		CreatedBy:       conv.CreatedBy,
		LastMessageId:   conv.LastMessageId,
		LastMessageAt:   conv.LastMessageAt,
		ArchivedBy:      archivedBy,
		CreatedAt:       conv.CreatedAt,
		UpdatedAt:       conv.UpdatedAt,
	}
}

func toMessage(msg database.Message) types.Message {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []types.Attachment{}
	}
	readBy := msg.ReadBy
	if readBy == nil {
		readBy = []types.ReadReceipt{}
	}

	return types.Message{
		Id:             msg.Id,
		Seq:            msg.Seq,
		ChannelId:      msg.ChannelId,
		ConversationId: msg.ConversationId,
		SenderId:       msg.SenderId,
		Content:        msg.Content,
		Type:           types.MessageType(msg.Type),
		Attachments:    attachments,
		CreatedAt:      msg.CreatedAt,
		Edited:         msg.Edited,
		EditedAt:       msg.EditedAt,
		Deleted:        msg.Deleted,
		DeletedAt:      msg.DeletedAt,
		ReadBy:         readBy,
	}
}
