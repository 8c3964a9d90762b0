package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-opschat/internal/auth"
	"github.com/npezzotti/go-opschat/internal/chat"
	"github.com/npezzotti/go-opschat/internal/config"
	"github.com/npezzotti/go-opschat/internal/database"
	"github.com/npezzotti/go-opschat/internal/server"
)

type GoChatApp struct {
	log            *log.Logger
	db             database.Repository
	svc            *chat.Service
	cs             *server.ChatServer
	verifier       *auth.Verifier
	allowedOrigins []string
	mux            *http.Server
}

func NewGoChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, svc *chat.Service, db database.Repository, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger,
		db:             db,
		svc:            svc,
		cs:             cs,
		verifier:       auth.NewVerifier(cfg.SigningKey),
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /api/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/presence", s.authMiddleware(s.onlineUsers))

	mux.HandleFunc("POST /api/channels", s.authMiddleware(s.createChannel))
	mux.HandleFunc("GET /api/channels", s.authMiddleware(s.listChannels))
	mux.HandleFunc("GET /api/channels/{id}", s.authMiddleware(s.getChannel))
	mux.HandleFunc("PATCH /api/channels/{id}", s.authMiddleware(s.updateChannel))
	mux.HandleFunc("DELETE /api/channels/{id}", s.authMiddleware(s.deleteChannel))
	mux.HandleFunc("POST /api/channels/{id}/members", s.authMiddleware(s.addMembers))
	mux.HandleFunc("DELETE /api/channels/{id}/members", s.authMiddleware(s.removeMembers))
	mux.HandleFunc("POST /api/channels/{id}/star", s.authMiddleware(s.toggleStar))

	mux.HandleFunc("POST /api/conversations", s.authMiddleware(s.startConversation))
	mux.HandleFunc("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.HandleFunc("GET /api/conversations/{id}", s.authMiddleware(s.getConversation))
	mux.HandleFunc("POST /api/conversations/{id}/archive", s.authMiddleware(s.archiveConversation))
	mux.HandleFunc("DELETE /api/conversations/{id}/archive", s.authMiddleware(s.unarchiveConversation))

	mux.HandleFunc("POST /api/messages", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("GET /api/messages", s.authMiddleware(s.listMessages))
	mux.HandleFunc("GET /api/messages/{id}", s.authMiddleware(s.getMessage))
	mux.HandleFunc("PATCH /api/messages/{id}", s.authMiddleware(s.editMessage))
	mux.HandleFunc("DELETE /api/messages/{id}", s.authMiddleware(s.deleteMessage))

	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *GoChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
