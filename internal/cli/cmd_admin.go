package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kindled/chatd/internal/auth"
	"github.com/kindled/chatd/internal/domain"
	"github.com/kindled/chatd/internal/store/sqlite"
)

// runAdmin hosts the operator subcommands that manipulate the store
// directly: account seeding, block pairs, match creation, and dev tokens.
func runAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chatd admin <user|block|unblock|match|token> [flags]")
		return 2
	}
	switch args[0] {
	case "user":
		return runAdminUser(ctx, args[1:])
	case "block":
		return runAdminBlock(ctx, args[1:], true)
	case "unblock":
		return runAdminBlock(ctx, args[1:], false)
	case "match":
		return runAdminMatch(ctx, args[1:])
	case "token":
		return runAdminToken(args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown admin command:", args[0])
		return 2
	}
}

func runAdminUser(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chatd admin user <add|lock|unlock> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runAdminUserAdd(ctx, args[1:])
	case "lock":
		return runAdminUserLock(ctx, args[1:], true)
	case "unlock":
		return runAdminUserLock(ctx, args[1:], false)
	default:
		fmt.Fprintln(os.Stderr, "unknown user command:", args[0])
		return 2
	}
}

func runAdminUserAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("admin-user-add", flag.ContinueOnError)
	var dbPath, id, name, avatar, password string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&id, "id", "", "user id (generated when empty)")
	fs.StringVar(&name, "name", "", "display name")
	fs.StringVar(&avatar, "avatar", "", "avatar URL")
	fs.StringVar(&password, "password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "missing --name")
		return 2
	}
	if id == "" {
		id = "user_" + uuid.NewString()
	}

	var passwordHash string
	if password != "" {
		var err error
		passwordHash, err = auth.HashPassword(password)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash password:", err)
			return 1
		}
	}

	store, code := openStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	user := domain.User{ID: id, Name: name, AvatarURL: avatar, Active: true}
	if err := store.CreateUser(ctx, user, passwordHash); err != nil {
		fmt.Fprintln(os.Stderr, "create user:", err)
		return 1
	}
	fmt.Println("id:", id)
	fmt.Println("name:", name)
	return 0
}

func runAdminUserLock(ctx context.Context, args []string, locked bool) int {
	fs := flag.NewFlagSet("admin-user-lock", flag.ContinueOnError)
	var dbPath, id string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&id, "id", "", "user id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	store, code := openStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.SetUserLocked(ctx, id, locked); err != nil {
		fmt.Fprintln(os.Stderr, "update user:", err)
		return 1
	}
	fmt.Printf("id: %s locked: %t\n", id, locked)
	return 0
}

func runAdminBlock(ctx context.Context, args []string, block bool) int {
	fs := flag.NewFlagSet("admin-block", flag.ContinueOnError)
	var dbPath, blocker, blocked string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&blocker, "blocker", "", "blocking user id")
	fs.StringVar(&blocked, "blocked", "", "blocked user id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if blocker == "" || blocked == "" {
		fmt.Fprintln(os.Stderr, "missing --blocker or --blocked")
		return 2
	}

	store, code := openStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	var err error
	if block {
		err = store.BlockUser(ctx, blocker, blocked)
	} else {
		err = store.UnblockUser(ctx, blocker, blocked)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "update block pair:", err)
		return 1
	}
	fmt.Printf("blocker: %s blocked: %s active: %t\n", blocker, blocked, block)
	return 0
}

func runAdminMatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("admin-match", flag.ContinueOnError)
	var dbPath, id, userA, userB string
	var ttl time.Duration
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&id, "id", "", "conversation id (generated when empty)")
	fs.StringVar(&userA, "user-a", "", "first participant id")
	fs.StringVar(&userB, "user-b", "", "second participant id")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "first-message deadline")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if userA == "" || userB == "" || userA == userB {
		fmt.Fprintln(os.Stderr, "need two distinct participants (--user-a, --user-b)")
		return 2
	}
	if id == "" {
		id = "conv_" + uuid.NewString()
	}

	store, code := openStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	expiresAt := time.Now().UTC().Add(ttl)
	if err := store.CreateConversation(ctx, id, userA, userB, expiresAt); err != nil {
		fmt.Fprintln(os.Stderr, "create conversation:", err)
		return 1
	}
	fmt.Println("id:", id)
	fmt.Println("expires_at:", expiresAt.Format(time.RFC3339))
	return 0
}

// runAdminToken mints a development bearer token. Production tokens come
// from the account service that shares CHATD_TOKEN_SECRET.
func runAdminToken(args []string) int {
	fs := flag.NewFlagSet("admin-token", flag.ContinueOnError)
	var userID, secret string
	var ttl time.Duration
	fs.StringVar(&userID, "user", "", "user id the token names")
	fs.StringVar(&secret, "secret", envOr("CHATD_TOKEN_SECRET", ""), "HMAC signing secret")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if userID == "" {
		fmt.Fprintln(os.Stderr, "missing --user")
		return 2
	}
	if secret == "" {
		fmt.Fprintln(os.Stderr, "missing --secret (or CHATD_TOKEN_SECRET)")
		return 2
	}

	token, err := auth.NewVerifier(secret, nil).Mint(userID, ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mint token:", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

func defaultDBPath() string {
	return envOr("CHATD_DB_PATH", "./chatd.db")
}

func openStoreOrExit(dbPath string) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}
