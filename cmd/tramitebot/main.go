// Command tramitebot runs the workflow service: it wires the planner,
// the browser executor, durable state, audit, and telemetry together
// and serves the session API until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tramitebot/tramitebot/agent"
	"github.com/tramitebot/tramitebot/api"
	"github.com/tramitebot/tramitebot/config"
	"github.com/tramitebot/tramitebot/executor"
	"github.com/tramitebot/tramitebot/executor/chrome"
	"github.com/tramitebot/tramitebot/internal/telemetry"
	"github.com/tramitebot/tramitebot/observe"
	otelsink "github.com/tramitebot/tramitebot/observe/otel"
	auditstore "github.com/tramitebot/tramitebot/observe/store"
	auditsqlite "github.com/tramitebot/tramitebot/observe/store/sqlite"
	"github.com/tramitebot/tramitebot/planner"
	"github.com/tramitebot/tramitebot/retry"
	"github.com/tramitebot/tramitebot/state/factory"
	"github.com/tramitebot/tramitebot/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("tramitebot: %v", err)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := factory.New(cfg.State.StoreOptions())
	if err != nil {
		return fmt.Errorf("state store setup failed: %w", err)
	}
	defer func() { _ = store.Close() }()

	stream := observe.NewStream()
	defer stream.Close()

	// Sinks beside the live stream: process log, optional audit trail,
	// optional OTel spans.
	auxSinks := []observe.Sink{observe.LogSink{}}

	var audit auditstore.Store
	if cfg.Audit.IsEnabled() {
		sqliteAudit, err := auditsqlite.New(cfg.Audit.SQLitePath)
		if err != nil {
			log.Printf("audit store unavailable: %v", err)
		} else {
			audit = sqliteAudit
			defer func() { _ = sqliteAudit.Close() }()
			asyncAudit := observe.NewAsyncSink(observe.SinkFunc(sqliteAudit.SaveEvent), 512)
			defer asyncAudit.Close()
			auxSinks = append(auxSinks, asyncAudit)
		}
	}

	providers, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Printf("telemetry unavailable: %v", err)
	}
	defer func() { _ = providers.Shutdown(context.Background()) }()
	if tp := providers.TracerProvider(); tp != nil {
		auxSinks = append(auxSinks, otelsink.NewSink(tp))
	}

	engineSink := observe.NewMultiSink(append([]observe.Sink{stream}, auxSinks...)...)
	agentSink := observe.NewMultiSink(auxSinks...)

	plannerOpts := make([]planner.HeuristicOption, 0, len(cfg.Portals))
	for portal, url := range cfg.Portals {
		plannerOpts = append(plannerOpts, planner.WithPortalURL(portal, url))
	}
	p := planner.NewHeuristic(plannerOpts...)

	exec := buildExecutor(cfg.Executor)
	defer func() { _ = exec.Close() }()

	nodes := workflow.NewNodes(p, exec, cfg.Workflow.Policy(), engineSink)
	engine, err := workflow.NewEngine(nodes, workflow.WithStore(store), workflow.WithSink(engineSink))
	if err != nil {
		return fmt.Errorf("engine setup failed: %w", err)
	}

	a, err := agent.New(engine, store, agent.WithStream(stream), agent.WithSink(agentSink))
	if err != nil {
		return fmt.Errorf("agent setup failed: %w", err)
	}

	if recovered, err := a.Recover(ctx); err != nil {
		log.Printf("session recovery incomplete: %v", err)
	} else if recovered > 0 {
		log.Printf("recovered %d interrupted session(s)", recovered)
	}

	server := api.NewServer(api.Config{
		Addr:              cfg.Server.Addr,
		Agent:             a,
		StateStore:        store,
		AuditStore:        audit,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSec) * time.Second,
		ShutdownTimeout:   time.Duration(cfg.Server.ShutdownSec) * time.Second,
	})

	log.Printf("listening on %s (executor=%s, state=%s)", cfg.Server.Addr, cfg.Executor.Backend, cfg.State.Backend)
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Let in-flight sessions finish their current pass before closing.
	if err := a.Close(); err != nil {
		log.Printf("agent shutdown error: %v", err)
	}
	return nil
}

func buildExecutor(cfg config.Executor) executor.ActionExecutor {
	var inner executor.ActionExecutor
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "scripted":
		inner = executor.NewScripted()
	default:
		inner = chrome.New(
			chrome.WithHeadless(cfg.IsHeadless()),
			chrome.WithArtifactDir(cfg.ArtifactDir),
			chrome.WithCredentials(envCredentials),
		)
	}
	breaker := retry.NewCircuitBreaker(cfg.BreakerConfig())
	return executor.WithResilience(executor.WithTimeout(inner), cfg.RetryPolicy(), breaker)
}

// envCredentials resolves an authenticate action's credential reference
// from TRAMITE_CREDENTIAL_<REF> holding "username:password". Secrets
// stay in the environment and never enter session state.
func envCredentials(ref string) (string, string, error) {
	key := "TRAMITE_CREDENTIAL_" + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(ref), "-", "_"))
	raw := os.Getenv(key)
	if raw == "" {
		return "", "", fmt.Errorf("credential %q not configured (set %s)", ref, key)
	}
	username, password, ok := strings.Cut(raw, ":")
	if !ok || username == "" {
		return "", "", fmt.Errorf("credential %q must be username:password", ref)
	}
	return username, password, nil
}
