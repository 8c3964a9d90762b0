package chat

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/npezzotti/go-opschat/internal/database"
	"github.com/npezzotti/go-opschat/internal/errs"
	"github.com/npezzotti/go-opschat/internal/types"
)

const participantsKeySep = ":"

type ConversationFilter struct {
	Search          string
	IncludeArchived bool
}

// ParticipantsKey returns the canonical key of an unordered pair together
// with the pair in canonical order.
func ParticipantsKey(a, b string) (string, []string) {
	pair := []string{a, b}
	slices.Sort(pair)
	return strings.Join(pair, participantsKeySep), pair
}

// HasParticipant is the single authorization check for conversation access.
func HasParticipant(participants []string, userId string) bool {
	return userId != "" && slices.Contains(participants, userId)
}

func (s *Service) enrichConversations(ctx context.Context, convs []database.Conversation) ([]types.Conversation, error) {
	var ids []string
	for _, conv := range convs {
		ids = append(ids, conv.Participants...)
	}

	profiles, err := s.profiles(ctx, uniqueIds(ids))
	if err != nil {
		return nil, err
	}

	out := make([]types.Conversation, 0, len(convs))
	for _, conv := range convs {
		c := toConversation(conv)
		c.ParticipantProfiles = pick(profiles, conv.Participants)
		out = append(out, c)
	}
	return out, nil
}

func (s *Service) enrichConversation(ctx context.Context, conv database.Conversation) (types.Conversation, error) {
	out, err := s.enrichConversations(ctx, []database.Conversation{conv})
	if err != nil {
		return types.Conversation{}, err
	}
	return out[0], nil
}

func (s *Service) conversationForParticipant(ctx context.Context, caller types.Identity, id string) (database.Conversation, error) {
	if err := requireUser(caller); err != nil {
		return database.Conversation{}, err
	}
	if !validID(id) {
		return database.Conversation{}, errs.Validation("invalid id format")
	}

	conv, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return database.Conversation{}, storeErr(err, "conversation")
	}
	if !HasParticipant(conv.Participants, caller.UserId) {
		return database.Conversation{}, errs.Forbidden("not a participant of this conversation")
	}
	return conv, nil
}

// FindOrCreateConversation resolves the conversation between exactly two
// distinct users, creating it on first contact. Reusing a conversation
// clears either participant from its archived set.
func (s *Service) FindOrCreateConversation(ctx context.Context, participantIds []string, requestedBy string) (types.Conversation, error) {
	if len(participantIds) != 2 || participantIds[0] == participantIds[1] {
		return types.Conversation{}, errs.Validation("a conversation requires exactly two distinct participants")
	}
	for _, id := range participantIds {
		if !validID(id) {
			return types.Conversation{}, errs.Validation("invalid id format")
		}
	}

	key, pair := ParticipantsKey(participantIds[0], participantIds[1])

	conv, err := s.db.GetConversationByKey(ctx, key)
	switch {
	case err == nil:
		return s.reuseConversation(ctx, conv, pair)
	case !errors.Is(err, database.ErrNotFound):
		return types.Conversation{}, errs.Internal(err)
	}

	if requestedBy == "" {
		requestedBy = participantIds[0]
	}

	id, err := newID()
	if err != nil {
		return types.Conversation{}, errs.Internal(err)
	}

	conv, created, err := s.db.CreateConversation(ctx, database.CreateConversationParams{
		Id:              id,
		Participants:    pair,
		ParticipantsKey: key,
		CreatedBy:       requestedBy,
		CreatedAt:       s.now(),
	})
	if err != nil {
		return types.Conversation{}, errs.Internal(err)
	}
	if !created {
		// lost the insert race to a concurrent creator
		return s.reuseConversation(ctx, conv, pair)
	}

	out, err := s.enrichConversation(ctx, conv)
	if err != nil {
		return types.Conversation{}, err
	}

	room := ConversationRoom(conv.Id)
	for _, p := range conv.Participants {
		s.notifier.SubscribeUser(p, room)
		s.notifier.NotifyUser(p, EventConversationCreated, out)
	}

	s.log.Printf("conversation %q created for %q", conv.Id, key)
	return out, nil
}

func (s *Service) reuseConversation(ctx context.Context, conv database.Conversation, pair []string) (types.Conversation, error) {
	var archived []string
	for _, id := range pair {
		if slices.Contains(conv.ArchivedBy, id) {
			archived = append(archived, id)
		}
	}

	if len(archived) > 0 {
		updated, err := s.db.UnarchiveConversation(ctx, conv.Id, archived)
		if err != nil {
			return types.Conversation{}, storeErr(err, "conversation")
		}
		conv = updated
	}

	out, err := s.enrichConversation(ctx, conv)
	if err != nil {
		return types.Conversation{}, err
	}

	for _, id := range archived {
		s.notifier.NotifyUser(id, EventConversationUnarchived, out)
	}
	return out, nil
}

// StartConversation opens (or reopens) the caller's conversation with
// recipientId.
func (s *Service) StartConversation(ctx context.Context, caller types.Identity, recipientId string) (types.Conversation, error) {
	if err := requireUser(caller); err != nil {
		return types.Conversation{}, err
	}
	if !validID(recipientId) {
		return types.Conversation{}, errs.Validation("invalid id format")
	}
	if recipientId == caller.UserId {
		return types.Conversation{}, errs.Validation("cannot start a conversation with yourself")
	}

	users, err := s.db.GetUsers(ctx, []string{recipientId})
	if err != nil {
		return types.Conversation{}, errs.Internal(err)
	}
	if len(users) == 0 {
		return types.Conversation{}, errs.NotFound("user not found")
	}

	return s.FindOrCreateConversation(ctx, []string{caller.UserId, recipientId}, caller.UserId)
}

func (s *Service) ListConversations(ctx context.Context, caller types.Identity, filter ConversationFilter) ([]types.Conversation, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}

	all, err := s.db.ListConversations(ctx, caller.UserId)
	if err != nil {
		return nil, errs.Internal(err)
	}

	visible := make([]database.Conversation, 0, len(all))
	for _, conv := range all {
		if !filter.IncludeArchived && slices.Contains(conv.ArchivedBy, caller.UserId) {
			continue
		}
		visible = append(visible, conv)
	}

	convs, err := s.enrichConversations(ctx, visible)
	if err != nil {
		return nil, err
	}

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	if search == "" {
		return convs, nil
	}

	matched := make([]types.Conversation, 0, len(convs))
	for _, conv := range convs {
		if otherMatches(conv, caller.UserId, search) {
			matched = append(matched, conv)
		}
	}
	return matched, nil
}

// otherMatches reports whether the participant other than userId matches
// search by name, email or handle.
func otherMatches(conv types.Conversation, userId, search string) bool {
	for _, p := range conv.ParticipantProfiles {
		if p.Id == userId {
			continue
		}
		for _, field := range []string{p.Name, p.Email, p.Handle} {
			if strings.Contains(strings.ToLower(field), search) {
				return true
			}
		}
	}
	return false
}

func (s *Service) GetConversation(ctx context.Context, caller types.Identity, id string) (types.Conversation, error) {
	conv, err := s.conversationForParticipant(ctx, caller, id)
	if err != nil {
		return types.Conversation{}, err
	}
	return s.enrichConversation(ctx, conv)
}

// ArchiveConversation hides the conversation from the caller's own listing.
func (s *Service) ArchiveConversation(ctx context.Context, caller types.Identity, id string) (types.Conversation, error) {
	if _, err := s.conversationForParticipant(ctx, caller, id); err != nil {
		return types.Conversation{}, err
	}

	conv, err := s.db.ArchiveConversation(ctx, id, caller.UserId)
	if err != nil {
		return types.Conversation{}, storeErr(err, "conversation")
	}

	out, err := s.enrichConversation(ctx, conv)
	if err != nil {
		return types.Conversation{}, err
	}

	s.notifier.NotifyUser(caller.UserId, EventConversationArchived, out)
	return out, nil
}

func (s *Service) UnarchiveConversation(ctx context.Context, caller types.Identity, id string) (types.Conversation, error) {
	if _, err := s.conversationForParticipant(ctx, caller, id); err != nil {
		return types.Conversation{}, err
	}

	conv, err := s.db.UnarchiveConversation(ctx, id, []string{caller.UserId})
	if err != nil {
		return types.Conversation{}, storeErr(err, "conversation")
	}

	out, err := s.enrichConversation(ctx, conv)
	if err != nil {
		return types.Conversation{}, err
	}

	s.notifier.NotifyUser(caller.UserId, EventConversationUnarchived, out)
	return out, nil
}
