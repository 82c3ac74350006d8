package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/kindled/chatd/internal/auth"
	"github.com/kindled/chatd/internal/config"
	"github.com/kindled/chatd/internal/debughttp"
	ilog "github.com/kindled/chatd/internal/log"
	"github.com/kindled/chatd/internal/server"
	"github.com/kindled/chatd/internal/store/sqlite"
)

func runServe(ctx context.Context, args []string) int {
	loadChatdEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	if err := debughttp.Serve(ctx, cfg.DebugListen, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof listener error:", err)
		return 1
	}

	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	verifier := auth.NewVerifier(cfg.TokenSecret, nil)
	s := server.New(cfg, store, verifier, nil, logger)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}
