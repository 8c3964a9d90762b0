package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-opschat/internal/chat"
	"github.com/npezzotti/go-opschat/internal/database"
	"github.com/npezzotti/go-opschat/internal/errs"
	"github.com/npezzotti/go-opschat/internal/stats"
	"github.com/npezzotti/go-opschat/internal/testutil"
	"github.com/npezzotti/go-opschat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChatService struct {
	mock.Mock
}

func (m *mockChatService) AuthorizeScope(ctx context.Context, caller types.Identity, scope chat.Scope) error {
	args := m.Called(ctx, caller, scope)
	return args.Error(0)
}

func (m *mockChatService) RoomsFor(ctx context.Context, caller types.Identity) ([]string, error) {
	args := m.Called(ctx, caller)
	rooms, _ := args.Get(0).([]string)
	return rooms, args.Error(1)
}

func (m *mockChatService) SendMessage(ctx context.Context, caller types.Identity, params chat.SendMessageParams) (types.Message, error) {
	args := m.Called(ctx, caller, params)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *mockChatService) EditMessage(ctx context.Context, caller types.Identity, id, content string) (types.Message, error) {
	args := m.Called(ctx, caller, id, content)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *mockChatService) DeleteMessage(ctx context.Context, caller types.Identity, id string) (chat.DeletedMessage, error) {
	args := m.Called(ctx, caller, id)
	return args.Get(0).(chat.DeletedMessage), args.Error(1)
}

func (m *mockChatService) Typing(ctx context.Context, caller types.Identity, scope chat.Scope, sessionId string, typing bool) error {
	args := m.Called(ctx, caller, scope, sessionId, typing)
	return args.Error(0)
}

func decodeError(t *testing.T, msg *ServerMessage) ErrorPayload {
	t.Helper()

	require.Equal(t, EventError, msg.Event)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	return payload
}

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Event: EventAck,
		Data:  json.RawMessage(`{"room":"channel:ops"}`),
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","event":"ack","data":{"room":"channel:ops"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.JSONEq(t, expected, string(bytes), "serialized message does not match expected output")
}

func Test_stopClient(t *testing.T) {
	c := &Client{stop: make(chan struct{})}

	c.stopClient()
	assert.NotPanics(t, c.stopClient, "expected repeated stop to be a no-op")

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func Test_addRoom_delRoom_hasRoom(t *testing.T) {
	c := &Client{rooms: make(map[string]struct{})}

	c.addRoom("channel:ops")
	c.addRoom("user:alice")
	assert.True(t, c.hasRoom("channel:ops"))
	assert.ElementsMatch(t, []string{"channel:ops", "user:alice"}, c.roomNames())

	c.delRoom("channel:ops")
	assert.False(t, c.hasRoom("channel:ops"))
	assert.Equal(t, []string{"user:alice"}, c.roomNames())
}

func TestClient_handle(t *testing.T) {
	sent := types.Message{Id: "m1", ChannelId: "ops", SenderId: "alice", Content: "hello"}

	tcases := []struct {
		name   string
		msg    ClientMessage
		setup  func(svc *mockChatService, c *Client)
		verify func(t *testing.T, c *Client)
	}{
		{
			name: "join channel",
			msg:  ClientMessage{BaseMessage: BaseMessage{Id: 1}, Event: EventJoinChannel, Data: json.RawMessage(`{"channel_id":"ops","conversation_id":"dm"}`)},
			setup: func(svc *mockChatService, c *Client) {
				svc.On("AuthorizeScope", mock.Anything, c.identity, chat.Scope{ChannelId: "ops"}).Return(nil)
			},
			verify: func(t *testing.T, c *Client) {
				assert.True(t, c.hasRoom("channel:ops"))
				assert.Equal(t, 1, c.chatServer.RoomSize("channel:ops"))
				ack := nextEvent(t, c, EventAck)
				assert.Equal(t, 1, ack.Id)
				assert.JSONEq(t, `{"room":"channel:ops"}`, string(ack.Data))
			},
		},
		{
			name: "join conversation without permission",
			msg:  ClientMessage{BaseMessage: BaseMessage{Id: 2}, Event: EventJoinConversation, Data: json.RawMessage(`{"conversation_id":"dm"}`)},
			setup: func(svc *mockChatService, c *Client) {
				svc.On("AuthorizeScope", mock.Anything, c.identity, chat.Scope{ConversationId: "dm"}).
					Return(errs.Forbidden("not a participant in this conversation"))
			},
			verify: func(t *testing.T, c *Client) {
				assert.False(t, c.hasRoom("conversation:dm"))
				payload := decodeError(t, nextEvent(t, c, EventError))
				assert.Equal(t, "forbidden", payload.Kind)
				assert.Equal(t, 2, payload.RequestId)
				assert.Equal(t, "dm", payload.ConversationId)
			},
		},
		{
			name: "join without room id",
			msg:  ClientMessage{BaseMessage: BaseMessage{Id: 3}, Event: EventJoinChannel, Data: json.RawMessage(`{"conversation_id":"dm"}`)},
			verify: func(t *testing.T, c *Client) {
				payload := decodeError(t, nextEvent(t, c, EventError))
				assert.Equal(t, "validation", payload.Kind)
			},
		},
		{
			name: "leave channel",
			msg:  ClientMessage{BaseMessage: BaseMessage{Id: 4}, Event: EventLeaveChannel, Data: json.RawMessage(`{"channel_id":"ops"}`)},
			setup: func(svc *mockChatService, c *Client) {
				c.chatServer.joinRoom(c, "channel:ops")
			},
			verify: func(t *testing.T, c *Client) {
				assert.False(t, c.hasRoom("channel:ops"))
				assert.Equal(t, 0, c.chatServer.RoomSize("channel:ops"))
				nextEvent(t, c, EventAck)
			},
		},
		{
			name: "send channel message",
			msg:  ClientMessage{BaseMessage: BaseMessage{Id: 5}, Event: EventSendMessage, Data: json.RawMessage(`{"channel_id":"ops","conversation_id":"dm","content":"hello"}`)},
			setup: func(svc *mockChatService, c *Client) {
				params := chat.SendMessageParams{Scope: chat.Scope{ChannelId: "ops"}, Content: "hello"}
				svc.On("SendMessage", mock.Anything, c.identity, params).Return(sent, nil)
			},
			verify: func(t *testing.T, c *Client) {
				ack := nextEvent(t, c, EventAck)
				var got types.Message
				require.NoError(t, json.Unmarshal(ack.Data, &got))
				assert.Equal(t, "m1", got.Id)
			},
		},
		{
			name: "send conversation message without ack id",
			msg:  ClientMessage{Event: EventSendConversationMessage, Data: json.RawMessage(`{"channel_id":"ops","conversation_id":"dm","content":"hi"}`)},
			setup: func(svc *mockChatService, c *Client) {
				params := chat.SendMessageParams{Scope: chat.Scope{ConversationId: "dm"}, Content: "hi"}
				svc.On("SendMessage", mock.Anything, c.identity, params).Return(types.Message{Id: "m2"}, nil)
			},
			verify: func(t *testing.T, c *Client) {
				noEvent(t, c)
			},
		},
		{
			name: "send rejected",
			msg:  ClientMessage{BaseMessage: BaseMessage{Id: 6}, Event: EventSendMessage, Data: json.RawMessage(`{"channel_id":"ops","content":""}`)},
			setup: func(svc *mockChatService, c *Client) {
				params := chat.SendMessageParams{Scope: chat.Scope{ChannelId: "ops"}}
				svc.On("SendMessage", mock.Anything, c.identity, params).Return(types.Message{}, errs.Validation("content is required"))
			},
			verify: func(t *testing.T, c *Client) {
				payload := decodeError(t, nextEvent(t, c, EventError))
				assert.Equal(t, "content is required", payload.Message)
				assert.Equal(t, "ops", payload.ChannelId)
			},
		},
		{
			name: "internal errors are not described",
			msg:  ClientMessage{BaseMessage: BaseMessage{Id: 7}, Event: EventUpdateMessage, Data: json.RawMessage(`{"message_id":"m1","content":"edited"}`)},
			setup: func(svc *mockChatService, c *Client) {
				svc.On("EditMessage", mock.Anything, c.identity, "m1", "edited").
					Return(types.Message{}, errs.Internal(assert.AnError))
			},
			verify: func(t *testing.T, c *Client) {
				payload := decodeError(t, nextEvent(t, c, EventError))
				assert.Equal(t, "internal", payload.Kind)
				assert.Equal(t, "internal error", payload.Message)
			},
		},
		{
			name: "delete message",
			msg:  ClientMessage{BaseMessage: BaseMessage{Id: 8}, Event: EventDeleteMessage, Data: json.RawMessage(`{"message_id":"m1"}`)},
			setup: func(svc *mockChatService, c *Client) {
				svc.On("DeleteMessage", mock.Anything, c.identity, "m1").Return(chat.DeletedMessage{Id: "m1", ChannelId: "ops"}, nil)
			},
			verify: func(t *testing.T, c *Client) {
				ack := nextEvent(t, c, EventAck)
				var got chat.DeletedMessage
				require.NoError(t, json.Unmarshal(ack.Data, &got))
				assert.Equal(t, "m1", got.Id)
			},
		},
		{
			name: "typing carries session id",
			msg:  ClientMessage{Event: EventStopTyping, Data: json.RawMessage(`{"conversation_id":"dm"}`)},
			setup: func(svc *mockChatService, c *Client) {
				svc.On("Typing", mock.Anything, c.identity, chat.Scope{ConversationId: "dm"}, c.id, false).Return(nil)
			},
			verify: func(t *testing.T, c *Client) {
				noEvent(t, c)
			},
		},
		{
			name: "malformed data",
			msg:  ClientMessage{BaseMessage: BaseMessage{Id: 9}, Event: EventUpdateMessage, Data: json.RawMessage(`"m1"`)},
			verify: func(t *testing.T, c *Client) {
				payload := decodeError(t, nextEvent(t, c, EventError))
				assert.Equal(t, "invalid message format", payload.Message)
			},
		},
		{
			name: "unknown event",
			msg:  ClientMessage{BaseMessage: BaseMessage{Id: 10}, Event: "shout"},
			verify: func(t *testing.T, c *Client) {
				payload := decodeError(t, nextEvent(t, c, EventError))
				assert.Equal(t, "validation", payload.Kind)
				assert.Contains(t, payload.Message, "shout")
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cs := newTestChatServer(t)
			c := newTestClient(t, cs, nil, "alice")
			registerClient(t, cs, c)

			svc := &mockChatService{}
			defer svc.AssertExpectations(t)
			c.svc = svc
			if tc.setup != nil {
				tc.setup(svc, c)
			}

			c.handle(context.Background(), &tc.msg)
			tc.verify(t, c)
		})
	}
}

// newLiveServer serves live sessions for the user named in the "user" query
// parameter, backed by an in-memory chat service.
func newLiveServer(t *testing.T) (*httptest.Server, *chat.Service) {
	t.Helper()

	cs := newTestChatServer(t)
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	repo := database.NewMemoryRepository()
	repo.PutUser(database.User{Id: "alice", TenantId: "acme", Name: "Alice Adams"})
	repo.PutUser(database.User{Id: "bob", TenantId: "acme", Name: "Bob Brown"})

	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumMessagesSent).Maybe()
	svc := chat.NewService(repo, cs, testutil.TestLogger(t), su)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		identity := types.Identity{UserId: r.URL.Query().Get("user"), TenantId: "acme"}
		c := NewClient(identity, conn, cs, svc, testutil.TestLogger(t))
		if err := cs.Register(r.Context(), c); err != nil {
			conn.Close()
			return
		}

		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)

	return srv, svc
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads frames from conn until one with the given event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q", event)
		if msg.Event == event {
			return msg
		}
	}
}

// readPresence reads frames from conn until a presence event about userId
// arrives.
func readPresence(t *testing.T, conn *websocket.Conn, event, userId string) {
	t.Helper()

	for {
		msg := readEvent(t, conn, event)
		var change PresenceChange
		require.NoError(t, json.Unmarshal(msg.Data, &change))
		if change.UserId == userId {
			return
		}
	}
}

func TestClient_LiveSessions(t *testing.T) {
	srv, svc := newLiveServer(t)

	channel, err := svc.CreateChannel(context.Background(), types.Identity{UserId: "alice", TenantId: "acme"},
		chat.CreateChannelParams{Name: "incidents", Members: []string{"bob"}})
	require.NoError(t, err)

	bob := dial(t, srv, "bob")
	readEvent(t, bob, EventOnlineUsersList)

	alice := dial(t, srv, "alice")
	readEvent(t, alice, EventOnlineUsersList)

	readPresence(t, bob, EventUserOnline, "alice")

	require.NoError(t, alice.WriteJSON(map[string]any{
		"id":    1,
		"event": EventSendMessage,
		"data":  map[string]string{"channel_id": channel.Id, "content": "  disk is full  "},
	}))

	ack := readEvent(t, alice, EventAck)
	assert.Equal(t, 1, ack.Id)

	got := readEvent(t, bob, chat.EventNewMessage)
	var msg types.Message
	require.NoError(t, json.Unmarshal(got.Data, &msg))
	assert.Equal(t, "disk is full", msg.Content)
	assert.Equal(t, "alice", msg.SenderId)
	assert.Equal(t, channel.Id, msg.ChannelId)

	update := readEvent(t, bob, chat.EventChannelUpdate)
	var cu chat.ChannelUpdate
	require.NoError(t, json.Unmarshal(update.Data, &cu))
	assert.Equal(t, msg.Id, cu.LastMessage.Id)

	alice.Close()
	readPresence(t, bob, EventUserOffline, "alice")
}

func TestClient_AnonymousSessionIsRejected(t *testing.T) {
	srv, _ := newLiveServer(t)

	conn := dial(t, srv, "")
	require.NoError(t, conn.WriteJSON(map[string]any{
		"id":    3,
		"event": EventJoinChannel,
		"data":  map[string]string{"channel_id": "ops"},
	}))

	msg := readEvent(t, conn, EventError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, errs.KindForbidden.String(), payload.Kind)
	assert.Equal(t, 3, payload.RequestId)
	assert.Equal(t, "ops", payload.ChannelId)
}

func TestClient_LiveSessionValidatesAttachments(t *testing.T) {
	srv, svc := newLiveServer(t)
	alice := types.Identity{UserId: "alice", TenantId: "acme"}

	channel, err := svc.CreateChannel(context.Background(), alice, chat.CreateChannelParams{Name: "incidents"})
	require.NoError(t, err)

	conn := dial(t, srv, "alice")
	require.NoError(t, conn.WriteJSON(map[string]any{
		"id":    4,
		"event": EventSendMessage,
		"data": map[string]any{
			"channel_id":  channel.Id,
			"content":     "screenshot",
			"attachments": []map[string]any{{"url": "not a url", "size": -5}},
		},
	}))

	msg := readEvent(t, conn, EventError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, errs.KindValidation.String(), payload.Kind)
	assert.Equal(t, "url failed on the 'url' rule", payload.Message)
	assert.Equal(t, 4, payload.RequestId)
	assert.Equal(t, channel.Id, payload.ChannelId)

	page, err := svc.ListMessages(context.Background(), alice, chat.Scope{ChannelId: channel.Id}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Messages, "expected rejected message not to be stored")
}
