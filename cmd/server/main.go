package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-opschat/internal/api"
	"github.com/npezzotti/go-opschat/internal/chat"
	"github.com/npezzotti/go-opschat/internal/config"
	"github.com/npezzotti/go-opschat/internal/database"
	"github.com/npezzotti/go-opschat/internal/presence"
	"github.com/npezzotti/go-opschat/internal/pubsub"
	"github.com/npezzotti/go-opschat/internal/server"
	"github.com/npezzotti/go-opschat/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

var (
	addr           string
	store          string
	dsn            string
	signingKey     string
	redisAddr      string
	allowedOrigins stringSliceFlag
)

func main() {
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("OPSCHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&store, "store", envOr("OPSCHAT_STORE", config.StorePostgres), "message store: postgres or memory")
	flag.StringVar(&dsn, "dsn", envOr("OPSCHAT_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", envOr("OPSCHAT_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.StringVar(&redisAddr, "redis-addr", envOr("OPSCHAT_REDIS_ADDR", ""), "redis address for cross-instance fanout")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := os.Getenv("OPSCHAT_ALLOWED_ORIGINS"); v != "" {
			allowedOrigins.Set(v)
		}
	}

	logger := log.New(os.Stderr, "[opschat] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, store, dsn, signingKey, allowedOrigins, redisAddr)
	if err != nil {
		logger.Fatal("config:", err)
	}

	var repo database.Repository
	switch cfg.Store {
	case config.StorePostgres:
		pg, err := database.NewPgRepository(cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("db open:", err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Println("db close:", err)
			}
		}()

		if err := pg.Migrate(); err != nil {
			logger.Fatal("db migrate:", err)
		}
		repo = pg
	default:
		logger.Println("using in-memory store; data is lost on exit")
		repo = database.NewMemoryRepository()
	}

	var broker pubsub.Broker
	if cfg.RedisAddr != "" {
		rb, err := pubsub.NewRedisBroker(pubsub.DefaultRedisConfig(cfg.RedisAddr), logger)
		if err != nil {
			logger.Fatal("redis:", err)
		}
		broker = rb
	} else {
		broker = pubsub.NewLocalBroker()
	}
	defer broker.Close()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, broker, presence.NewRegistry(), statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	svc := chat.NewService(repo, chatServer, logger, statsUpdater)

	srv := api.NewGoChatApp(mux, logger, chatServer, svc, repo, cfg)

	statsUpdater.Run()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		// sessions that did not unregister may still report stats
		logger.Println("chat server shutdown:", err)
	} else {
		statsUpdater.Stop()
	}

	logger.Println("shutdown complete")
}
