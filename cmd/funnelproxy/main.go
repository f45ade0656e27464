// Command funnelproxy wires the proxy core's pieces into a runnable
// process: load the servers: config file, stand up token storage and
// the supervisor, start every configured upstream connection, and run
// until signaled. It is a thin demo binary, not a product surface —
// tool routing, the downstream MCP control channel, and a config
// database are out of scope (no command/tool registry loader).
// Grounded on cmd/mcplexer/main.go's manual subcommand dispatcher and
// signal.NotifyContext wiring; not adopting cobra, see DESIGN.md.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcp-funnel/core/internal/config"
	"github.com/mcp-funnel/core/internal/eventlog"
	"github.com/mcp-funnel/core/internal/proxy"
	"github.com/mcp-funnel/core/internal/secrets"
	"github.com/mcp-funnel/core/internal/tokenstore"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("funnelproxy", flag.ContinueOnError)
	configPath := fs.String("config", "servers.yaml", "path to the servers: config file")
	tokenDBPath := fs.String("token-db", "", "path to a sqlite file for persistent token storage (default: in-memory)")
	ageKeyPath := fs.String("age-key", "", "path to an age identity file for at-rest token encryption (sqlite mode only)")
	logLevel := fs.String("log-level", "info", "slog level: debug|info|warn|error")
	insecureAllowHTTP := fs.Bool("insecure-allow-http", false, "allow plaintext ws:// and http(s)-less transports against non-localhost upstreams (default: production mode, localhost-only plaintext)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	servers, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "funnelproxy: load config: %v\n", err)
		return 1
	}

	store, closeStore, err := buildTokenStore(ctx, *tokenDBPath, *ageKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "funnelproxy: build token store: %v\n", err)
		return 1
	}
	defer closeStore()

	scheduler := tokenstore.NewScheduler(store, 0)
	defer scheduler.Stop()

	bus := eventlog.NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	go logEvents(sub)

	supervisor := proxy.NewSupervisor(store, scheduler, eventlog.NewLogger(bus), !*insecureAllowHTTP)
	defer supervisor.Shutdown()

	if err := supervisor.Initialize(ctx, servers); err != nil {
		fmt.Fprintf(os.Stderr, "funnelproxy: initialize: %v\n", err)
		return 1
	}

	logger.Info("funnelproxy started", "servers", len(servers))
	<-ctx.Done()
	logger.Info("shutting down")

	return exitCode(supervisor, servers)
}

// buildTokenStore constructs a persistent tokenstore.SQLiteStore when
// dbPath is set, encrypting at rest with an age identity (generated and
// persisted at ageKeyPath on first run if it doesn't exist), falling
// back to an in-memory store otherwise.
func buildTokenStore(ctx context.Context, dbPath, ageKeyPath string) (tokenstore.ITokenStorage, func(), error) {
	if dbPath == "" {
		return tokenstore.NewMemoryStore(), func() {}, nil
	}

	var enc *secrets.AgeEncryptor
	var err error
	if ageKeyPath != "" {
		enc, err = secrets.EnsureKeyFile(ageKeyPath)
	} else {
		enc, err = secrets.NewEphemeralEncryptor()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("build age encryptor: %w", err)
	}

	store, err := tokenstore.NewSQLiteStore(ctx, dbPath, enc)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite token store: %w", err)
	}
	return store, func() { store.Close() }, nil
}

func logEvents(ch <-chan eventlog.Event) {
	for ev := range ch {
		slog.Debug("event", "id", ev.ID, "event", ev.Name, "level", ev.Level, "data", string(ev.Data))
	}
}

// exitCode implements the CLI exit code contract: 2 if any
// upstream ended in Failed state at shutdown, otherwise 0.
func exitCode(s *proxy.Supervisor, servers []config.UpstreamServer) int {
	for _, srv := range servers {
		status, err := s.GetServerStatus(srv.Name)
		if err == nil && status.Status == proxy.StatusFailed {
			return 2
		}
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
