// Darwin Brain orchestrator server - runs the event loop, per-event LLM
// processor, and the HTTP/WebSocket surface agent workers and UIs connect
// through.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/darwin-brain/pkg/api"
	"github.com/codeready-toolchain/darwin-brain/pkg/blackboard"
	"github.com/codeready-toolchain/darwin-brain/pkg/bridge"
	"github.com/codeready-toolchain/darwin-brain/pkg/broadcast"
	"github.com/codeready-toolchain/darwin-brain/pkg/config"
	"github.com/codeready-toolchain/darwin-brain/pkg/dispatcher"
	"github.com/codeready-toolchain/darwin-brain/pkg/llmport"
	"github.com/codeready-toolchain/darwin-brain/pkg/llmport/fake"
	"github.com/codeready-toolchain/darwin-brain/pkg/llmport/grpcchat"
	"github.com/codeready-toolchain/darwin-brain/pkg/processor"
	"github.com/codeready-toolchain/darwin-brain/pkg/registry"
	"github.com/codeready-toolchain/darwin-brain/pkg/retention"
	"github.com/codeready-toolchain/darwin-brain/pkg/scheduler"
	"github.com/codeready-toolchain/darwin-brain/pkg/security"
	"github.com/codeready-toolchain/darwin-brain/pkg/slack"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	store, closeStore, err := newStore(ctx)
	if err != nil {
		log.Fatalf("failed to initialize blackboard store: %v", err)
	}
	defer closeStore()

	if err := store.MarkAllTurnsEvaluatedEverywhere(ctx); err != nil {
		log.Fatalf("startup migration failed: %v", err)
	}

	br := bridge.New()
	reg := registry.New(func(evicted registry.Entry) {
		if evicted.CurrentTaskID != "" {
			br.InjectSentinel(evicted.CurrentTaskID, bridge.KindDisconnected)
		}
	})

	wsHub := broadcast.NewWSHub(5 * time.Second)
	var sink broadcast.Sink = wsHub

	checker := security.NewChecker(patternMap(cfg.Security))

	agentSender := api.NewAgentConnSender()

	timeoutFor := func(role, mode string) time.Duration {
		if d, ok := cfg.Dispatch.RoleTimeouts[role]; ok {
			return d
		}
		return cfg.Dispatch.DefaultTimeout
	}
	disp := dispatcher.New(store, reg, br, agentSender, checker, sink, timeoutFor)

	chat, closeChat, err := newChatPort(cfg.LLM)
	if err != nil {
		log.Fatalf("failed to initialize LLM backend: %v", err)
	}
	defer closeChat()

	notifier := newNotifier(cfg.Slack)

	// The Processor and Scheduler each depend on a narrow interface of the
	// other (SchedulerHooks / Processor) to avoid an import cycle between
	// their packages. hooks forwards to the Scheduler once it exists.
	hooks := &schedulerHooks{}

	proc := processor.New(store, disp, chat, sink, hooks, processor.NopEnrichment{}, notifier, processor.Config{
		MaxToolChains:                cfg.Processor.MaxToolChains,
		RetryDeferSeconds:            cfg.Processor.RetryDefer,
		LLMStreamFailureDeferSeconds: cfg.Processor.LLMStreamFailureDefer,
	})

	sched := scheduler.New(store, proc, sink, scheduler.Config{
		ScanInterval:         cfg.Scheduler.ScanInterval,
		MaxEventDuration:     cfg.Scheduler.MaxEventDuration,
		GraceSeconds:         cfg.Scheduler.GracePeriod,
		GraceExtension:       cfg.Scheduler.GraceExtension,
		IdleReprocessSeconds: cfg.Scheduler.IdleReprocessAfter,
		CleanupInterval:      cfg.Scheduler.CleanupInterval,
	})
	hooks.sched = sched

	retentionSvc := retention.NewService(store, cfg.Retention)

	server := api.NewServer(store, sink, wsHub, sched, reg, br, agentSender, cfg.Server.AllowedWSOrigins)

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	retentionSvc.Start(ctx)

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		log.Fatalf("failed to bind %s: %v", cfg.Server.ListenAddr, err)
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("brain: HTTP server listening", "addr", cfg.Server.ListenAddr)
		serverErr <- server.StartWithListener(ln)
	}()

	select {
	case <-ctx.Done():
		slog.Info("brain: shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("brain: HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("brain: HTTP shutdown error", "error", err)
	}
	sched.Stop()
	retentionSvc.Stop()
}

// schedulerHooks implements processor.SchedulerHooks by forwarding to a
// *scheduler.Scheduler set after both are constructed, breaking the
// Processor <-> Scheduler construction cycle.
type schedulerHooks struct {
	sched *scheduler.Scheduler
}

func (h *schedulerHooks) SetWaitingForUser(eventID string, waiting bool) {
	h.sched.SetWaitingForUser(eventID, waiting)
}

func (h *schedulerHooks) MarkTaskActive(eventID string) {
	h.sched.MarkTaskActive(eventID)
}

func (h *schedulerHooks) MarkTaskDone(eventID string) {
	h.sched.MarkTaskDone(eventID)
}

func newNotifier(cfg *config.SlackConfig) processor.Notifier {
	if cfg == nil || !cfg.Enabled {
		return processor.NopNotifier{}
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		slog.Warn("brain: slack enabled but token env var is empty, falling back to no-op notifier", "token_env", cfg.TokenEnv)
		return processor.NopNotifier{}
	}
	return slack.NewClient(token, 10*time.Second)
}

func patternMap(sec *config.SecurityConfig) map[string]string {
	if sec == nil || !sec.Enabled {
		return nil
	}
	out := make(map[string]string, len(sec.Patterns))
	for _, p := range sec.Patterns {
		out[p.Description] = p.Pattern
	}
	return out
}

func newChatPort(cfg *config.LLMConfig) (llmport.ChatPort, func(), error) {
	switch cfg.Backend {
	case config.LLMBackendGRPC:
		client, err := grpcchat.NewClient(cfg.Target)
		if err != nil {
			return nil, func() {}, fmt.Errorf("grpcchat.NewClient: %w", err)
		}
		return client, func() { _ = client.Close() }, nil
	case config.LLMBackendFake:
		return fake.New(), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
}

func newStore(ctx context.Context) (blackboard.Store, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := os.Getenv("DB_HOST")
		if host == "" {
			slog.Info("brain: DB_HOST/DATABASE_URL unset, using in-memory blackboard store")
			return blackboard.NewMemoryStore(), func() {}, nil
		}
		dsn = buildDSN(host)
	}

	store, err := blackboard.NewPostgresStore(ctx, blackboard.Config{
		DSN:             dsn,
		MaxConns:        int32(atoiOrDefault(os.Getenv("DB_MAX_OPEN_CONNS"), 25)),
		MaxConnLifetime: time.Hour,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func buildDSN(host string) string {
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "brain")
	password := os.Getenv("DB_PASSWORD")
	name := getEnv("DB_NAME", "brain")
	sslmode := getEnv("DB_SSLMODE", "disable")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
}

func atoiOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
