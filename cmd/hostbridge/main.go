// Command hostbridge runs the tool-execution gateway: it wires the sandbox,
// policy engine, HITL coordinator, audit store, and tool registry together
// and serves the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hostbridge/hostbridge/pkg/api"
	"github.com/hostbridge/hostbridge/pkg/audit"
	"github.com/hostbridge/hostbridge/pkg/config"
	"github.com/hostbridge/hostbridge/pkg/dispatch"
	"github.com/hostbridge/hostbridge/pkg/hitl"
	"github.com/hostbridge/hostbridge/pkg/memory"
	"github.com/hostbridge/hostbridge/pkg/plan"
	"github.com/hostbridge/hostbridge/pkg/policy"
	"github.com/hostbridge/hostbridge/pkg/secrets"
	"github.com/hostbridge/hostbridge/pkg/store"
	"github.com/hostbridge/hostbridge/pkg/tools"
	"github.com/hostbridge/hostbridge/pkg/workspace"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Local .env files seed the process environment before config
	// substitution; missing files are fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Audit.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting", "service", "hostbridge")

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ws, err := workspace.New(cfg.Workspace.BaseDir, logger)
	if err != nil {
		return err
	}
	sec := secrets.NewStore(cfg.Secrets.File, logger)
	pol, err := policy.NewEngine(cfg, logger)
	if err != nil {
		return err
	}
	auditLog := audit.NewLogger(db, sec, logger)
	coordinator := hitl.NewCoordinator(db, time.Duration(cfg.HITL.DefaultTTLSeconds)*time.Second, logger)

	registry := dispatch.NewRegistry()
	dispatcher := dispatch.NewDispatcher(registry, pol, sec, auditLog, coordinator, logger)

	memoryEngine := memory.NewEngine(db, logger)
	planEngine := plan.NewEngine(db, coordinator, func(ctx context.Context, category, name string, params map[string]any) (any, error) {
		return dispatcher.Dispatch(ctx, category, name, params,
			dispatch.CallContext{Protocol: "plan"}, dispatch.Options{})
	}, logger)

	tools.NewFSTools(ws, logger).Register(registry)
	tools.NewShellTools(ws, logger).Register(registry)
	tools.NewGitTools(ws, logger).Register(registry)
	tools.NewHTTPTools(cfg.HTTP, logger).Register(registry)
	tools.NewWorkspaceTools(ws, sec, registry, logger).Register(registry)
	tools.NewMemoryTools(memoryEngine).Register(registry)
	tools.NewPlanTools(planEngine).Register(registry)
	logger.Info("tools_registered", "count", len(registry.Catalog()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go coordinator.Run(ctx)

	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(dispatcher, registry, coordinator, auditLog, planEngine, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
