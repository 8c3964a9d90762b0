// Command token issues an identity token for local development.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-opschat/internal/auth"
	"github.com/npezzotti/go-opschat/internal/types"
)

func main() {
	_ = godotenv.Load()

	var (
		user       types.User
		role       string
		ttl        time.Duration
		signingKey string
	)

	flag.StringVar(&user.Id, "sub", "", "user id")
	flag.StringVar(&user.TenantId, "tenant", "default", "tenant id")
	flag.StringVar(&user.Name, "name", "", "display name")
	flag.StringVar(&user.Email, "email", "", "email address")
	flag.StringVar(&user.Handle, "handle", "", "handle")
	flag.StringVar(&role, "role", "member", "role")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.StringVar(&signingKey, "signing-key", os.Getenv("OPSCHAT_SIGNING_KEY"), "base64 encoded signing key")
	flag.Parse()

	logger := log.New(os.Stderr, "[opschat-token] ", 0)

	if user.Id == "" {
		logger.Fatal("-sub is required")
	}

	key, err := base64.StdEncoding.DecodeString(signingKey)
	if err != nil || len(key) == 0 {
		logger.Fatal("invalid signing key")
	}

	token, err := auth.NewSigner(key, ttl).Sign(user, role)
	if err != nil {
		logger.Fatal("sign:", err)
	}

	fmt.Println(token)
}
