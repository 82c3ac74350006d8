package cli

import "fmt"

// Version is set at build time via -ldflags.
var Version = "dev"

func printVersion() {
	fmt.Println("chatd", Version)
}

func printUsage() {
	fmt.Println(`chatd - real-time chat coordinator

Presence, typing, and message fan-out over WebSocket for matched
conversations. Account data and matches live in the SQLite store.

Usage:
  chatd serve                              Start the chat server
  chatd admin user add --name NAME         Create a user account
  chatd admin user lock --id ID            Lock an account out
  chatd admin user unlock --id ID          Re-enable a locked account
  chatd admin match --user-a A --user-b B  Create a pending conversation
  chatd admin block --blocker A --blocked B
  chatd admin unblock --blocker A --blocked B
  chatd admin token --user ID              Mint a development bearer token
  chatd version                            Print version
  chatd help                               Show this help

Quick Start:
  1. export CHATD_TOKEN_SECRET=$(openssl rand -hex 32)
  2. chatd admin user add --name Alice     # note the printed ids
  3. chatd admin user add --name Bob
  4. chatd admin match --user-a ID_A --user-b ID_B
  5. chatd serve
  6. connect to ws://localhost:8900/ws?token=$(chatd admin token --user ID_A)

Environment Variables:
  CHATD_LISTEN                Listen address (default :8900)
  CHATD_TOKEN_SECRET          HMAC secret shared with the account service
  CHATD_DB_PATH               SQLite database path (default ./chatd.db)
  CHATD_DEBUG_LISTEN          pprof listen address (empty disables)
  CHATD_LOG_LEVEL             debug|info|warn|error (default info)
  CHATD_LOG_FORMAT            text|json (default text)
  CHATD_TYPING_TIMEOUT        Typing indicator expiry (default 3s)
  CHATD_MESSAGE_RATE_CEILING  Messages per window per room (default 10)
  CHATD_MAX_SESSIONS_PER_USER Concurrent sessions per account (default 5)

Values can also be placed in a ./.env file; real environment wins.`)
}
