package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-opschat/internal/chat"
	"github.com/npezzotti/go-opschat/internal/database"
	"github.com/npezzotti/go-opschat/internal/errs"
	"github.com/npezzotti/go-opschat/internal/server"
	"github.com/npezzotti/go-opschat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockRepository{}
			defer mockRepo.AssertExpectations(t)
			mockRepo.On("Ping", mock.Anything).Return(tc.mockErr).Once()

			app := newTestApp(t, mockRepo)
			rr := app.do(t, "", http.MethodGet, "/healthz", nil)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func Test_session(t *testing.T) {
	app := newTestApp(t, nil)

	rr := app.do(t, "alice", http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[SessionResponse](t, rr)
	assert.Equal(t, "alice", resp.UserId)
	assert.Equal(t, "acme", resp.TenantId)
	assert.False(t, resp.Online, "expected no live session")

	rr = app.do(t, "", http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func Test_channelHandlers(t *testing.T) {
	app := newTestApp(t, nil)

	rr := app.do(t, "alice", http.MethodPost, "/api/channels", map[string]any{"description": "no name"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	apiErr := decode[ApiError](t, rr)
	assert.Equal(t, "validation", apiErr.Kind)
	assert.Contains(t, apiErr.Message, "name")

	rr = app.do(t, "alice", http.MethodPost, "/api/channels", map[string]any{"name": "incidents", "members": []string{"bob"}})
	require.Equal(t, http.StatusCreated, rr.Code)
	channel := decode[types.Channel](t, rr)
	assert.Equal(t, "alice", channel.CreatorId)
	assert.Equal(t, []string{"alice", "bob"}, channel.Members)
	path := "/api/channels/" + channel.Id

	rr = app.do(t, "bob", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = app.do(t, "carol", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "forbidden", decode[ApiError](t, rr).Kind)

	rr = app.do(t, "bob", http.MethodGet, "/api/channels", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]types.Channel](t, rr), 1)

	rr = app.do(t, "bob", http.MethodPatch, path, map[string]any{"name": "renamed"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = app.do(t, "alice", http.MethodPatch, path, map[string]any{"description": "sev1 only"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "sev1 only", decode[types.Channel](t, rr).Description)

	rr = app.do(t, "alice", http.MethodPost, path+"/members", map[string]any{"user_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = app.do(t, "alice", http.MethodPost, path+"/members", map[string]any{"user_ids": []string{"carol"}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"alice", "bob", "carol"}, decode[types.Channel](t, rr).Members)

	rr = app.do(t, "alice", http.MethodDelete, path+"/members", map[string]any{"user_ids": []string{"bob"}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"alice", "carol"}, decode[types.Channel](t, rr).Members)

	rr = app.do(t, "carol", http.MethodPost, path+"/star", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[types.Channel](t, rr).IsStarred)

	rr = app.do(t, "carol", http.MethodGet, "/api/channels?starred=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]types.Channel](t, rr), 1)

	rr = app.do(t, "carol", http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = app.do(t, "alice", http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = app.do(t, "alice", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func Test_conversationHandlers(t *testing.T) {
	app := newTestApp(t, nil)

	rr := app.do(t, "alice", http.MethodPost, "/api/conversations", map[string]any{"recipient_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = app.do(t, "alice", http.MethodPost, "/api/conversations", map[string]any{"recipient_id": "nobody"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = app.do(t, "alice", http.MethodPost, "/api/conversations", map[string]any{"recipient_id": "bob"})
	require.Equal(t, http.StatusOK, rr.Code)
	conv := decode[types.Conversation](t, rr)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants)

	rr = app.do(t, "bob", http.MethodPost, "/api/conversations", map[string]any{"recipient_id": "alice"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, conv.Id, decode[types.Conversation](t, rr).Id, "expected the same conversation from either side")

	path := "/api/conversations/" + conv.Id
	rr = app.do(t, "carol", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = app.do(t, "alice", http.MethodPost, path+"/archive", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"alice"}, decode[types.Conversation](t, rr).ArchivedBy)

	rr = app.do(t, "alice", http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]types.Conversation](t, rr))

	rr = app.do(t, "alice", http.MethodGet, "/api/conversations?include_archived=true&search=bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]types.Conversation](t, rr), 1)

	rr = app.do(t, "alice", http.MethodDelete, path+"/archive", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[types.Conversation](t, rr).ArchivedBy)
}

func Test_messageHandlers(t *testing.T) {
	app := newTestApp(t, nil)

	rr := app.do(t, "alice", http.MethodPost, "/api/conversations", map[string]any{"recipient_id": "bob"})
	require.Equal(t, http.StatusOK, rr.Code)
	conv := decode[types.Conversation](t, rr)

	rr = app.do(t, "alice", http.MethodPost, "/api/messages", map[string]any{"conversation_id": conv.Id})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = app.do(t, "alice", http.MethodPost, "/api/messages", map[string]any{
		"conversation_id": conv.Id,
		"content":         "runbook attached",
		"type":            "file",
		"attachments":     []map[string]any{{"name": "runbook.pdf"}},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected attachment without url to be rejected")

	rr = app.do(t, "alice", http.MethodPost, "/api/messages", map[string]any{
		"conversation_id": conv.Id,
		"content":         "runbook attached",
		"attachments":     []map[string]any{{"url": "not a url", "size": -5}},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	apiErr := decode[ApiError](t, rr)
	assert.Equal(t, errs.KindValidation.String(), apiErr.Kind)
	assert.Equal(t, "url failed on the 'url' rule", apiErr.Message)

	var sent []types.Message
	for _, content := range []string{"first", "second", "third"} {
		rr = app.do(t, "alice", http.MethodPost, "/api/messages", map[string]any{"conversation_id": conv.Id, "content": content})
		require.Equal(t, http.StatusCreated, rr.Code)
		sent = append(sent, decode[types.Message](t, rr))
	}

	rr = app.do(t, "bob", http.MethodGet, "/api/messages?conversation_id="+conv.Id+"&page=1&limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[types.MessagePage](t, rr)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "second", page.Messages[0].Content, "expected oldest-first order within the page")
	assert.Equal(t, "third", page.Messages[1].Content)
	assert.Equal(t, types.Pagination{Page: 1, Limit: 2, Total: 3, Pages: 2}, page.Pagination)

	rr = app.do(t, "bob", http.MethodGet, "/api/messages?conversation_id="+conv.Id+"&page=two", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = app.do(t, "carol", http.MethodGet, "/api/messages?conversation_id="+conv.Id, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	path := "/api/messages/" + sent[0].Id
	rr = app.do(t, "bob", http.MethodPatch, path, map[string]any{"content": "hijacked"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = app.do(t, "alice", http.MethodPatch, path, map[string]any{"content": "first, edited"})
	require.Equal(t, http.StatusOK, rr.Code)
	edited := decode[types.Message](t, rr)
	assert.True(t, edited.Edited)
	assert.Equal(t, "first, edited", edited.Content)

	rr = app.do(t, "alice", http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, sent[0].Id, decode[chat.DeletedMessage](t, rr).Id)

	rr = app.do(t, "alice", http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = app.do(t, "bob", http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[types.Message](t, rr).Deleted, "expected deleted message to stay retrievable by id")

	rr = app.do(t, "bob", http.MethodGet, "/api/messages/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func Test_serveWs(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("authenticated session", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+app.tokens["alice"], nil)
		require.NoError(t, err)
		defer conn.Close()

		var msg server.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, server.EventOnlineUsersList, msg.Event)
		assert.JSONEq(t, `{"user_ids":["alice"]}`, string(msg.Data))

		rr := app.do(t, "bob", http.MethodGet, "/api/presence", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"alice"}, decode[OnlineUsersResponse](t, rr).UserIds)
	})

	t.Run("anonymous session", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(map[string]any{
			"id":    1,
			"event": server.EventSendMessage,
			"data":  map[string]string{"channel_id": "ops", "content": "hi"},
		}))

		var msg server.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, server.EventError, msg.Event)
		assert.JSONEq(t, `{"message":"authentication required","kind":"forbidden","request_id":1,"channel_id":"ops"}`, string(msg.Data))
	})

	t.Run("malformed attachment", func(t *testing.T) {
		rr := app.do(t, "alice", http.MethodPost, "/api/conversations", map[string]any{"recipient_id": "bob"})
		require.Equal(t, http.StatusOK, rr.Code)
		conv := decode[types.Conversation](t, rr)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+app.tokens["alice"], nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(map[string]any{
			"id":    2,
			"event": server.EventSendConversationMessage,
			"data": map[string]any{
				"conversation_id": conv.Id,
				"content":         "runbook attached",
				"attachments":     []map[string]any{{"url": "not a url", "size": -5}},
			},
		}))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg server.ServerMessage
		for msg.Event != server.EventError {
			msg = server.ServerMessage{}
			require.NoError(t, conn.ReadJSON(&msg))
		}
		var payload server.ErrorPayload
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		assert.Equal(t, errs.KindValidation.String(), payload.Kind)
		assert.Equal(t, "url failed on the 'url' rule", payload.Message)
		assert.Equal(t, 2, payload.RequestId)

		rr = app.do(t, "alice", http.MethodGet, "/api/messages?conversation_id="+conv.Id, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, decode[types.MessagePage](t, rr).Messages, "expected rejected message not to be stored")
	})

	t.Run("disallowed origin", func(t *testing.T) {
		header := http.Header{}
		header.Set("Origin", "http://evil.example")
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		assert.Error(t, err)
		if assert.NotNil(t, resp) {
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		}
	})
}
