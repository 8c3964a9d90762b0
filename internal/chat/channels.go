package chat

import (
	"context"
	"slices"
	"strings"

	"github.com/npezzotti/go-opschat/internal/database"
	"github.com/npezzotti/go-opschat/internal/errs"
	"github.com/npezzotti/go-opschat/internal/types"
)

type CreateChannelParams struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Description string   `json:"description" validate:"max=1000"`
	Members     []string `json:"members" validate:"max=500"`
	IsPrivate   bool     `json:"is_private"`
}

// UpdateChannelParams leaves nil fields unchanged.
type UpdateChannelParams struct {
	Name        *string  `json:"name" validate:"omitempty,max=100"`
	Description *string  `json:"description" validate:"omitempty,max=1000"`
	IsPrivate   *bool    `json:"is_private"`
	Members     []string `json:"members" validate:"omitempty,max=500"`
}

type ChannelFilter struct {
	Search      string
	StarredOnly bool
}

// isMember treats the creator as a member even when absent from Members.
func isMember(ch database.Channel, userId string) bool {
	return ch.CreatorId == userId || slices.Contains(ch.Members, userId)
}

// recipients returns the members plus the creator, deduplicated.
func recipients(ch database.Channel) []string {
	return uniqueIds(append([]string{ch.CreatorId}, ch.Members...))
}

func (s *Service) enrichChannel(ctx context.Context, ch database.Channel) (types.Channel, error) {
	profiles, err := s.profiles(ctx, ch.Members)
	if err != nil {
		return types.Channel{}, err
	}

	channel := toChannel(ch)
	channel.MemberProfiles = pick(profiles, ch.Members)
	return channel, nil
}

func (s *Service) loadChannel(ctx context.Context, id string) (database.Channel, error) {
	if !validID(id) {
		return database.Channel{}, errs.Validation("invalid id format")
	}

	ch, err := s.db.GetChannel(ctx, id)
	if err != nil {
		return database.Channel{}, storeErr(err, "channel")
	}
	return ch, nil
}

func (s *Service) channelForMember(ctx context.Context, caller types.Identity, id string) (database.Channel, error) {
	if err := requireUser(caller); err != nil {
		return database.Channel{}, err
	}

	ch, err := s.loadChannel(ctx, id)
	if err != nil {
		return database.Channel{}, err
	}
	if !isMember(ch, caller.UserId) {
		return database.Channel{}, errs.Forbidden("not a member of this channel")
	}
	return ch, nil
}

func (s *Service) channelForCreator(ctx context.Context, caller types.Identity, id string) (database.Channel, error) {
	ch, err := s.channelForMember(ctx, caller, id)
	if err != nil {
		return database.Channel{}, err
	}
	if ch.CreatorId != caller.UserId {
		return database.Channel{}, errs.Forbidden("only the channel creator can modify the channel")
	}
	return ch, nil
}

func (s *Service) CreateChannel(ctx context.Context, caller types.Identity, params CreateChannelParams) (types.Channel, error) {
	if err := requireUser(caller); err != nil {
		return types.Channel{}, err
	}
	if err := Validate(params); err != nil {
		return types.Channel{}, err
	}

	name := strings.TrimSpace(params.Name)
	if name == "" {
		return types.Channel{}, errs.Validation("channel name is required")
	}

	members := uniqueIds(append([]string{caller.UserId}, params.Members...))
	if err := s.checkUsersExist(ctx, members[1:]); err != nil {
		return types.Channel{}, err
	}

	id, err := newID()
	if err != nil {
		return types.Channel{}, errs.Internal(err)
	}

	ch, err := s.db.CreateChannel(ctx, database.CreateChannelParams{
		Id:          id,
		TenantId:    caller.TenantId,
		Name:        name,
		Description: strings.TrimSpace(params.Description),
		CreatorId:   caller.UserId,
		Members:     members,
		IsPrivate:   params.IsPrivate,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return types.Channel{}, errs.Internal(err)
	}

	channel, err := s.enrichChannel(ctx, ch)
	if err != nil {
		return types.Channel{}, err
	}

	room := ChannelRoom(ch.Id)
	for _, member := range ch.Members {
		s.notifier.SubscribeUser(member, room)
		s.notifier.NotifyUser(member, EventChannelCreated, channel)
	}

	s.log.Printf("channel %q created by %q with %d members", ch.Id, caller.UserId, len(ch.Members))
	return channel, nil
}

func (s *Service) ListChannels(ctx context.Context, caller types.Identity, filter ChannelFilter) ([]types.Channel, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}

	chs, err := s.db.ListChannels(ctx, database.ListChannelsParams{
		UserId:      caller.UserId,
		TenantId:    caller.TenantId,
		Search:      strings.TrimSpace(filter.Search),
		StarredOnly: filter.StarredOnly,
	})
	if err != nil {
		return nil, errs.Internal(err)
	}

	var ids []string
	for _, ch := range chs {
		ids = append(ids, ch.Members...)
	}
	profiles, err := s.profiles(ctx, uniqueIds(ids))
	if err != nil {
		return nil, err
	}

	channels := make([]types.Channel, 0, len(chs))
	for _, ch := range chs {
		channel := toChannel(ch)
		channel.MemberProfiles = pick(profiles, ch.Members)
		channels = append(channels, channel)
	}
	return channels, nil
}

func (s *Service) GetChannel(ctx context.Context, caller types.Identity, id string) (types.Channel, error) {
	ch, err := s.channelForMember(ctx, caller, id)
	if err != nil {
		return types.Channel{}, err
	}
	return s.enrichChannel(ctx, ch)
}

func (s *Service) UpdateChannel(ctx context.Context, caller types.Identity, id string, params UpdateChannelParams) (types.Channel, error) {
	if err := Validate(params); err != nil {
		return types.Channel{}, err
	}

	unlock := s.locks.Lock(ChannelRoom(id))
	defer unlock()

	before, err := s.channelForCreator(ctx, caller, id)
	if err != nil {
		return types.Channel{}, err
	}

	update := database.UpdateChannelParams{
		Id:          id,
		Description: params.Description,
		IsPrivate:   params.IsPrivate,
		UpdatedAt:   s.now(),
	}

	if params.Name != nil {
		name := strings.TrimSpace(*params.Name)
		if name == "" {
			return types.Channel{}, errs.Validation("channel name is required")
		}
		update.Name = &name
	}

	if params.Members != nil {
		members := uniqueIds(append([]string{before.CreatorId}, params.Members...))
		if err := s.checkUsersExist(ctx, members[1:]); err != nil {
			return types.Channel{}, err
		}
		update.Members = members
	}

	ch, err := s.db.UpdateChannel(ctx, update)
	if err != nil {
		return types.Channel{}, storeErr(err, "channel")
	}

	channel, err := s.enrichChannel(ctx, ch)
	if err != nil {
		return types.Channel{}, err
	}

	room := ChannelRoom(id)
	s.notifier.Publish(room, EventChannelUpdated, channel, "")

	if params.Members != nil {
		s.applyMembershipDiff(channel, before.Members, ch.Members)
	}

	return channel, nil
}

// applyMembershipDiff subscribes added members to the channel room and
// detaches removed ones.
func (s *Service) applyMembershipDiff(channel types.Channel, before, after []string) {
	room := ChannelRoom(channel.Id)

	var added, removed []string
	for _, id := range after {
		if !slices.Contains(before, id) {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if !slices.Contains(after, id) {
			removed = append(removed, id)
		}
	}

	if len(added) > 0 {
		s.notifier.Publish(room, EventMembersAdded, MembershipChange{ChannelId: channel.Id, UserIds: added}, "")
		for _, id := range added {
			s.notifier.SubscribeUser(id, room)
			s.notifier.NotifyUser(id, EventAddedToChannel, channel)
		}
	}

	if len(removed) > 0 {
		s.notifier.Publish(room, EventMembersRemoved, MembershipChange{ChannelId: channel.Id, UserIds: removed}, "")
		for _, id := range removed {
			s.notifier.NotifyUser(id, EventRemovedFromChannel, ChannelRef{ChannelId: channel.Id})
			s.notifier.UnsubscribeUser(id, room)
		}
	}
}

func (s *Service) DeleteChannel(ctx context.Context, caller types.Identity, id string) error {
	unlock := s.locks.Lock(ChannelRoom(id))
	defer unlock()

	ch, err := s.channelForCreator(ctx, caller, id)
	if err != nil {
		return err
	}

	if err := s.db.DeleteChannel(ctx, id); err != nil {
		return storeErr(err, "channel")
	}

	room := ChannelRoom(id)
	s.notifier.Publish(room, EventChannelDeleted, ChannelRef{ChannelId: id}, "")
	s.notifier.CloseRoom(room)

	s.log.Printf("channel %q deleted by %q (%d members)", id, caller.UserId, len(ch.Members))
	return nil
}

func (s *Service) AddMembers(ctx context.Context, caller types.Identity, id string, userIds []string) (types.Channel, error) {
	userIds = uniqueIds(userIds)
	if len(userIds) == 0 {
		return types.Channel{}, errs.Validation("at least one member id is required")
	}

	unlock := s.locks.Lock(ChannelRoom(id))
	defer unlock()

	before, err := s.channelForCreator(ctx, caller, id)
	if err != nil {
		return types.Channel{}, err
	}

	if err := s.checkUsersExist(ctx, userIds); err != nil {
		return types.Channel{}, err
	}

	ch, err := s.db.AddChannelMembers(ctx, id, userIds)
	if err != nil {
		return types.Channel{}, storeErr(err, "channel")
	}

	channel, err := s.enrichChannel(ctx, ch)
	if err != nil {
		return types.Channel{}, err
	}

	s.applyMembershipDiff(channel, before.Members, ch.Members)
	return channel, nil
}

func (s *Service) RemoveMembers(ctx context.Context, caller types.Identity, id string, userIds []string) (types.Channel, error) {
	userIds = uniqueIds(userIds)
	if len(userIds) == 0 {
		return types.Channel{}, errs.Validation("at least one member id is required")
	}

	unlock := s.locks.Lock(ChannelRoom(id))
	defer unlock()

	before, err := s.channelForCreator(ctx, caller, id)
	if err != nil {
		return types.Channel{}, err
	}

	if slices.Contains(userIds, before.CreatorId) {
		return types.Channel{}, errs.Validation("the channel creator cannot be removed")
	}

	ch, err := s.db.RemoveChannelMembers(ctx, id, userIds)
	if err != nil {
		return types.Channel{}, storeErr(err, "channel")
	}

	channel, err := s.enrichChannel(ctx, ch)
	if err != nil {
		return types.Channel{}, err
	}

	s.applyMembershipDiff(channel, before.Members, ch.Members)
	return channel, nil
}

func (s *Service) ToggleStar(ctx context.Context, caller types.Identity, id string) (types.Channel, error) {
	if _, err := s.channelForMember(ctx, caller, id); err != nil {
		return types.Channel{}, err
	}

	ch, err := s.db.ToggleChannelStar(ctx, id)
	if err != nil {
		return types.Channel{}, storeErr(err, "channel")
	}

	channel, err := s.enrichChannel(ctx, ch)
	if err != nil {
		return types.Channel{}, err
	}

	s.notifier.Publish(ChannelRoom(id), EventChannelUpdated, channel, "")
	return channel, nil
}
