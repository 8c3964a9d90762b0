package database

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-opschat/internal/types"
)

// MemoryRepository is a process-local Repository. Every read-modify-write
// runs under a single lock, which gives it the same atomicity as the
// conditional statements of PgRepository.
type MemoryRepository struct {
	mu            sync.RWMutex
	users         map[string]User
	channels      map[string]*Channel
	conversations map[string]*Conversation
	convByKey     map[string]string
	messages      map[string]*Message
	seq           int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:         make(map[string]User),
		channels:      make(map[string]*Channel),
		conversations: make(map[string]*Conversation),
		convByKey:     make(map[string]string),
		messages:      make(map[string]*Message),
	}
}

// PutUser adds or replaces a directory entry.
func (m *MemoryRepository) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Id] = u
}

func (m *MemoryRepository) UpsertUser(_ context.Context, u User) error {
	m.PutUser(u)
	return nil
}

func (m *MemoryRepository) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryRepository) GetUsers(_ context.Context, ids []string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var users []User
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneChannel(ch *Channel) Channel {
	c := *ch
	c.Members = slices.Clone(ch.Members)
	c.LastMessageAt = cloneTime(ch.LastMessageAt)
	return c
}

func cloneConversation(conv *Conversation) Conversation {
	c := *conv
	c.Participants = slices.Clone(conv.Participants)
	c.ArchivedBy = slices.Clone(conv.ArchivedBy)
	c.LastMessageAt = cloneTime(conv.LastMessageAt)
	return c
}

func cloneMessage(msg *Message) Message {
	c := *msg
	c.Attachments = slices.Clone(msg.Attachments)
	c.ReadBy = slices.Clone(msg.ReadBy)
	c.EditedAt = cloneTime(msg.EditedAt)
	c.DeletedAt = cloneTime(msg.DeletedAt)
	return c
}

func activityTime(last *time.Time, created time.Time) time.Time {
	if last != nil {
		return *last
	}
	return created
}

func (m *MemoryRepository) CreateChannel(_ context.Context, params CreateChannelParams) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := &Channel{
		Id:          params.Id,
		TenantId:    params.TenantId,
		Name:        params.Name,
		Description: params.Description,
		CreatorId:   params.CreatorId,
		Members:     slices.Clone(params.Members),
		IsPrivate:   params.IsPrivate,
		CreatedAt:   params.CreatedAt,
		UpdatedAt:   params.CreatedAt,
	}
	m.channels[ch.Id] = ch

	return cloneChannel(ch), nil
}

func (m *MemoryRepository) GetChannel(_ context.Context, id string) (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[id]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return cloneChannel(ch), nil
}

func (m *MemoryRepository) ListChannels(_ context.Context, params ListChannelsParams) ([]Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	search := strings.ToLower(params.Search)
	channels := make([]Channel, 0)
	for _, ch := range m.channels {
		if ch.CreatorId != params.UserId && !slices.Contains(ch.Members, params.UserId) {
			continue
		}
		if params.TenantId != "" && ch.TenantId != params.TenantId {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(ch.Name), search) {
			continue
		}
		if params.StarredOnly && !ch.IsStarred {
			continue
		}
		channels = append(channels, cloneChannel(ch))
	}

	sort.Slice(channels, func(i, j int) bool {
		ai := activityTime(channels[i].LastMessageAt, channels[i].CreatedAt)
		aj := activityTime(channels[j].LastMessageAt, channels[j].CreatedAt)
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		if !channels[i].CreatedAt.Equal(channels[j].CreatedAt) {
			return channels[i].CreatedAt.After(channels[j].CreatedAt)
		}
		return channels[i].Id < channels[j].Id
	})

	return channels, nil
}

func (m *MemoryRepository) UpdateChannel(_ context.Context, params UpdateChannelParams) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[params.Id]
	if !ok {
		return Channel{}, ErrNotFound
	}

	if params.Name != nil {
		ch.Name = *params.Name
	}
	if params.Description != nil {
		ch.Description = *params.Description
	}
	if params.IsPrivate != nil {
		ch.IsPrivate = *params.IsPrivate
	}
	if params.Members != nil {
		ch.Members = slices.Clone(params.Members)
	}
	ch.UpdatedAt = params.UpdatedAt

	return cloneChannel(ch), nil
}

func (m *MemoryRepository) DeleteChannel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[id]; !ok {
		return ErrNotFound
	}

	for msgId, msg := range m.messages {
		if msg.ChannelId == id {
			delete(m.messages, msgId)
		}
	}
	delete(m.channels, id)

	return nil
}

func (m *MemoryRepository) AddChannelMembers(_ context.Context, id string, userIds []string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[id]
	if !ok {
		return Channel{}, ErrNotFound
	}

	for _, userId := range userIds {
		if !slices.Contains(ch.Members, userId) {
			ch.Members = append(ch.Members, userId)
		}
	}
	ch.UpdatedAt = time.Now().UTC()

	return cloneChannel(ch), nil
}

func (m *MemoryRepository) RemoveChannelMembers(_ context.Context, id string, userIds []string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[id]
	if !ok {
		return Channel{}, ErrNotFound
	}

	ch.Members = slices.DeleteFunc(ch.Members, func(member string) bool {
		return slices.Contains(userIds, member)
	})
	ch.UpdatedAt = time.Now().UTC()

	return cloneChannel(ch), nil
}

func (m *MemoryRepository) ToggleChannelStar(_ context.Context, id string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[id]
	if !ok {
		return Channel{}, ErrNotFound
	}

	ch.IsStarred = !ch.IsStarred
	ch.UpdatedAt = time.Now().UTC()

	return cloneChannel(ch), nil
}

func (m *MemoryRepository) TouchChannel(_ context.Context, id, messageId string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[id]
	if !ok {
		return ErrNotFound
	}

	if ch.LastMessageAt == nil || !ch.LastMessageAt.After(at) {
		ch.LastMessageId = messageId
		ch.LastMessageAt = cloneTime(&at)
	}
	return nil
}

func (m *MemoryRepository) CreateConversation(_ context.Context, params CreateConversationParams) (Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.convByKey[params.ParticipantsKey]; ok {
		return cloneConversation(m.conversations[id]), false, nil
	}

	conv := &Conversation{
		Id:              params.Id,
		Participants:    slices.Clone(params.Participants),
		ParticipantsKey: params.ParticipantsKey,
		CreatedBy:       params.CreatedBy,
		ArchivedBy:      []string{},
		CreatedAt:       params.CreatedAt,
		UpdatedAt:       params.CreatedAt,
	}
	m.conversations[conv.Id] = conv
	m.convByKey[conv.ParticipantsKey] = conv.Id

	return cloneConversation(conv), true, nil
}

func (m *MemoryRepository) GetConversation(_ context.Context, id string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (m *MemoryRepository) GetConversationByKey(_ context.Context, key string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.convByKey[key]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return cloneConversation(m.conversations[id]), nil
}

func (m *MemoryRepository) ListConversations(_ context.Context, userId string) ([]Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := make([]Conversation, 0)
	for _, conv := range m.conversations {
		if slices.Contains(conv.Participants, userId) {
			convs = append(convs, cloneConversation(conv))
		}
	}

	sort.Slice(convs, func(i, j int) bool {
		ai := activityTime(convs[i].LastMessageAt, convs[i].CreatedAt)
		aj := activityTime(convs[j].LastMessageAt, convs[j].CreatedAt)
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return convs[i].Id < convs[j].Id
	})

	return convs, nil
}

func (m *MemoryRepository) ArchiveConversation(_ context.Context, id, userId string) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}

	if !slices.Contains(conv.ArchivedBy, userId) {
		conv.ArchivedBy = append(conv.ArchivedBy, userId)
		conv.UpdatedAt = time.Now().UTC()
	}

	return cloneConversation(conv), nil
}

func (m *MemoryRepository) UnarchiveConversation(_ context.Context, id string, userIds []string) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}

	before := len(conv.ArchivedBy)
	conv.ArchivedBy = slices.DeleteFunc(conv.ArchivedBy, func(a string) bool {
		return slices.Contains(userIds, a)
	})
	if len(conv.ArchivedBy) != before {
		conv.UpdatedAt = time.Now().UTC()
	}

	return cloneConversation(conv), nil
}

func (m *MemoryRepository) TouchConversation(_ context.Context, id, messageId string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}

	if conv.LastMessageAt == nil || !conv.LastMessageAt.After(at) {
		conv.LastMessageId = messageId
		conv.LastMessageAt = cloneTime(&at)
	}
	return nil
}

func (m *MemoryRepository) CreateMessage(_ context.Context, params CreateMessageParams) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if params.ChannelId != "" {
		if _, ok := m.channels[params.ChannelId]; !ok {
			return Message{}, ErrNotFound
		}
	} else if _, ok := m.conversations[params.ConversationId]; !ok {
		return Message{}, ErrNotFound
	}

	m.seq++
	msg := &Message{
		Id:             params.Id,
		Seq:            m.seq,
		ChannelId:      params.ChannelId,
		ConversationId: params.ConversationId,
		SenderId:       params.SenderId,
		Content:        params.Content,
		Type:           params.Type,
		Attachments:    slices.Clone(params.Attachments),
		CreatedAt:      params.CreatedAt,
	}
	if msg.Attachments == nil {
		msg.Attachments = []types.Attachment{}
	}
	m.messages[msg.Id] = msg

	return cloneMessage(msg), nil
}

func (m *MemoryRepository) GetMessage(_ context.Context, id string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (m *MemoryRepository) ListMessages(_ context.Context, params ListMessagesParams) ([]Message, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Message
	for _, msg := range m.messages {
		if msg.Deleted {
			continue
		}
		if params.ChannelId != "" && msg.ChannelId != params.ChannelId {
			continue
		}
		if params.ConversationId != "" && msg.ConversationId != params.ConversationId {
			continue
		}
		matched = append(matched, msg)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Seq > matched[j].Seq
	})

	total := len(matched)
	start := min(params.Offset, total)
	end := total
	if params.Limit > 0 {
		end = min(start+params.Limit, total)
	}

	messages := make([]Message, 0, end-start)
	for _, msg := range matched[start:end] {
		messages = append(messages, cloneMessage(msg))
	}

	return messages, total, nil
}

func (m *MemoryRepository) MarkMessagesRead(_ context.Context, messageIds []string, userId string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range messageIds {
		msg, ok := m.messages[id]
		if !ok {
			continue
		}
		read := slices.ContainsFunc(msg.ReadBy, func(r types.ReadReceipt) bool {
			return r.UserId == userId
		})
		if !read {
			msg.ReadBy = append(msg.ReadBy, types.ReadReceipt{UserId: userId, ReadAt: at})
		}
	}

	return nil
}

func (m *MemoryRepository) EditMessage(_ context.Context, id, content string, at time.Time) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	if msg.Deleted {
		return Message{}, ErrConflict
	}

	msg.Content = content
	msg.Edited = true
	msg.EditedAt = cloneTime(&at)

	return cloneMessage(msg), nil
}

func (m *MemoryRepository) SoftDeleteMessage(_ context.Context, id string, at time.Time) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	if msg.Deleted {
		return Message{}, ErrConflict
	}

	msg.Deleted = true
	msg.DeletedAt = cloneTime(&at)

	return cloneMessage(msg), nil
}
