package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-opschat/internal/auth"
	"github.com/npezzotti/go-opschat/internal/chat"
	"github.com/npezzotti/go-opschat/internal/errs"
	"github.com/npezzotti/go-opschat/internal/server"
	"github.com/npezzotti/go-opschat/internal/types"
)

type MembersRequest struct {
	UserIds []string `json:"user_ids" validate:"required,min=1,max=500"`
}

type StartConversationRequest struct {
	RecipientId string `json:"recipient_id" validate:"required"`
}

type EditMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

type OnlineUsersResponse struct {
	UserIds []string `json:"user_ids"`
}

type SessionResponse struct {
	types.Identity
	Online bool `json:"online"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, err error) {
	errResp := NewApiError(err)
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Printf("internal error: %v", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// decodeJson reads the request body into v and checks its validate tags
// with the same rules the chat service applies.
func (s *GoChatApp) decodeJson(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validation("invalid request body")
	}
	return chat.Validate(v)
}

// caller returns the identity set by authMiddleware.
func caller(r *http.Request) types.Identity {
	identity, _ := IdentityFrom(r.Context())
	return identity
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Validation("%s must be an integer", key)
	}
	return n, nil
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	identity := caller(r)
	s.writeJson(w, http.StatusOK, SessionResponse{
		Identity: identity,
		Online:   slices.Contains(s.cs.OnlineUsers(), identity.UserId),
	})
}

func (s *GoChatApp) onlineUsers(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, OnlineUsersResponse{UserIds: s.cs.OnlineUsers()})
}

func (s *GoChatApp) createChannel(w http.ResponseWriter, r *http.Request) {
	var params chat.CreateChannelParams
	if err := s.decodeJson(r, &params); err != nil {
		s.writeError(w, err)
		return
	}

	channel, err := s.svc.CreateChannel(r.Context(), caller(r), params)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, channel)
}

func (s *GoChatApp) listChannels(w http.ResponseWriter, r *http.Request) {
	filter := chat.ChannelFilter{
		Search:      r.URL.Query().Get("search"),
		StarredOnly: queryBool(r, "starred"),
	}

	channels, err := s.svc.ListChannels(r.Context(), caller(r), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, channels)
}

func (s *GoChatApp) getChannel(w http.ResponseWriter, r *http.Request) {
	channel, err := s.svc.GetChannel(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, channel)
}

func (s *GoChatApp) updateChannel(w http.ResponseWriter, r *http.Request) {
	var params chat.UpdateChannelParams
	if err := s.decodeJson(r, &params); err != nil {
		s.writeError(w, err)
		return
	}

	channel, err := s.svc.UpdateChannel(r.Context(), caller(r), r.PathValue("id"), params)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, channel)
}

func (s *GoChatApp) deleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteChannel(r.Context(), caller(r), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) addMembers(w http.ResponseWriter, r *http.Request) {
	var req MembersRequest
	if err := s.decodeJson(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	channel, err := s.svc.AddMembers(r.Context(), caller(r), r.PathValue("id"), req.UserIds)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, channel)
}

func (s *GoChatApp) removeMembers(w http.ResponseWriter, r *http.Request) {
	var req MembersRequest
	if err := s.decodeJson(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	channel, err := s.svc.RemoveMembers(r.Context(), caller(r), r.PathValue("id"), req.UserIds)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, channel)
}

func (s *GoChatApp) toggleStar(w http.ResponseWriter, r *http.Request) {
	channel, err := s.svc.ToggleStar(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, channel)
}

func (s *GoChatApp) startConversation(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := s.decodeJson(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	conv, err := s.svc.StartConversation(r.Context(), caller(r), req.RecipientId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *GoChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	filter := chat.ConversationFilter{
		Search:          r.URL.Query().Get("search"),
		IncludeArchived: queryBool(r, "include_archived"),
	}

	convs, err := s.svc.ListConversations(r.Context(), caller(r), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, convs)
}

func (s *GoChatApp) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.svc.GetConversation(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *GoChatApp) archiveConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.svc.ArchiveConversation(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *GoChatApp) unarchiveConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.svc.UnarchiveConversation(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *GoChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	var params chat.SendMessageParams
	if err := s.decodeJson(r, &params); err != nil {
		s.writeError(w, err)
		return
	}

	msg, err := s.svc.SendMessage(r.Context(), caller(r), params)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *GoChatApp) listMessages(w http.ResponseWriter, r *http.Request) {
	scope := chat.Scope{
		ChannelId:      r.URL.Query().Get("channel_id"),
		ConversationId: r.URL.Query().Get("conversation_id"),
	}

	page, err := queryInt(r, "page")
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.svc.ListMessages(r.Context(), caller(r), scope, page, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, result)
}

func (s *GoChatApp) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.GetMessage(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *GoChatApp) editMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := s.decodeJson(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	msg, err := s.svc.EditMessage(r.Context(), caller(r), r.PathValue("id"), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *GoChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.svc.DeleteMessage(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, deleted)
}

// serveWs upgrades the connection. A missing or invalid token yields an
// anonymous session rather than a rejected handshake.
func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	var identity types.Identity
	if claims, err := s.verifier.Verify(auth.TokenFromRequest(r)); err == nil {
		if err := s.svc.SyncUser(r.Context(), claims.User()); err != nil {
			s.writeError(w, err)
			return
		}
		identity = claims.Identity()
	} else if !errors.Is(err, auth.ErrMissingToken) {
		s.log.Printf("ws: verify token: %v", err)
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(identity, conn, s.cs, s.svc, s.log)
	if err := s.cs.Register(r.Context(), client); err != nil {
		s.log.Printf("ws: register session: %v", err)
		s.cs.Unregister(client)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
