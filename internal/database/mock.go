package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) GetUsers(ctx context.Context, ids []string) ([]User, error) {
	args := m.Called(ctx, ids)
	if v, ok := args.Get(0).([]User); ok {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) UpsertUser(ctx context.Context, user User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}
func (m *MockRepository) CreateChannel(ctx context.Context, params CreateChannelParams) (Channel, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockRepository) GetChannel(ctx context.Context, id string) (Channel, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockRepository) ListChannels(ctx context.Context, params ListChannelsParams) ([]Channel, error) {
	args := m.Called(ctx, params)
	if v, ok := args.Get(0).([]Channel); ok {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) UpdateChannel(ctx context.Context, params UpdateChannelParams) (Channel, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockRepository) DeleteChannel(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockRepository) AddChannelMembers(ctx context.Context, id string, userIds []string) (Channel, error) {
	args := m.Called(ctx, id, userIds)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockRepository) RemoveChannelMembers(ctx context.Context, id string, userIds []string) (Channel, error) {
	args := m.Called(ctx, id, userIds)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockRepository) ToggleChannelStar(ctx context.Context, id string) (Channel, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockRepository) TouchChannel(ctx context.Context, id, messageId string, at time.Time) error {
	args := m.Called(ctx, id, messageId, at)
	return args.Error(0)
}
func (m *MockRepository) GetConversation(ctx context.Context, id string) (Conversation, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockRepository) GetConversationByKey(ctx context.Context, key string) (Conversation, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockRepository) ListConversations(ctx context.Context, userId string) ([]Conversation, error) {
	args := m.Called(ctx, userId)
	if v, ok := args.Get(0).([]Conversation); ok {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) ArchiveConversation(ctx context.Context, id, userId string) (Conversation, error) {
	args := m.Called(ctx, id, userId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockRepository) UnarchiveConversation(ctx context.Context, id string, userIds []string) (Conversation, error) {
	args := m.Called(ctx, id, userIds)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockRepository) TouchConversation(ctx context.Context, id, messageId string, at time.Time) error {
	args := m.Called(ctx, id, messageId, at)
	return args.Error(0)
}
func (m *MockRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) MarkMessagesRead(ctx context.Context, messageIds []string, userId string, at time.Time) error {
	args := m.Called(ctx, messageIds, userId, at)
	return args.Error(0)
}
func (m *MockRepository) EditMessage(ctx context.Context, id, content string, at time.Time) (Message, error) {
	args := m.Called(ctx, id, content, at)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (Message, error) {
	args := m.Called(ctx, id, at)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, bool, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Conversation), args.Bool(1), args.Error(2)
}
func (m *MockRepository) ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, int, error) {
	args := m.Called(ctx, params)
	if v, ok := args.Get(0).([]Message); ok {
		return v, args.Int(1), args.Error(2)
	}
	return nil, args.Int(1), args.Error(2)
}
