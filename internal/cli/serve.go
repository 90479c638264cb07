package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/buildkite/coderoom/internal/broadcast"
	"github.com/buildkite/coderoom/internal/controlserver"
	"github.com/buildkite/coderoom/internal/endpoint"
	"github.com/buildkite/coderoom/internal/execution"
	"github.com/buildkite/coderoom/internal/gateway"
	"github.com/buildkite/coderoom/internal/identity"
	"github.com/buildkite/coderoom/internal/paths"
	"github.com/buildkite/coderoom/internal/runner"
	"github.com/buildkite/coderoom/internal/runtimeconfig"
	"github.com/buildkite/coderoom/internal/session"
	"github.com/buildkite/coderoom/internal/store"
	"github.com/charmbracelet/log"
)

type ServeCommand struct {
	Listen   string `help:"Listen endpoint (defaults to runtime config; supports unix://, http://, https://, tsnet://hostname[:port])"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
	TLSCert  string `name:"tls-cert" help:"Server certificate for https listen endpoints" type:"path"`
	TLSKey   string `name:"tls-key" help:"Server key for https listen endpoints" type:"path"`
	NoStore  bool   `help:"Keep sessions in memory only"`
}

// engine is every long-lived component serve wires together.
type engine struct {
	store      *store.Store
	bus        *broadcast.Broadcaster
	languages  *runner.Table
	executions *execution.Manager
	registry   *session.Registry
	gateway    *gateway.Gateway
	server     *controlserver.Server
}

func newEngine(ctx context.Context, cfg runtimeconfig.Config, logger *log.Logger) (*engine, error) {
	e := &engine{}

	var sessionStore session.Store
	if !cfg.Store.Disabled {
		st, err := store.Open(ctx, store.Options{Path: cfg.Store.Path})
		if err != nil {
			return nil, err
		}
		e.store = st
		sessionStore = st
	}

	workDir := firstNonEmpty(cfg.Execution.WorkDir, paths.WorkBaseDir())
	e.bus = &broadcast.Broadcaster{
		QueueSize: cfg.Sessions.OutboundQueue,
		Logger:    logger.With("subsystem", "broadcast"),
	}
	e.languages = runner.NewTable(cfg.Execution.Languages)
	e.executions = &execution.Manager{
		Languages: e.languages,
		Runner: &runner.Runner{
			WorkBaseDir:    workDir,
			SandboxWrapper: cfg.Execution.SandboxWrapper,
			Logger:         logger.With("subsystem", "runner"),
		},
		Limits: execution.Limits{
			MaxConcurrent:      cfg.Execution.MaxConcurrent,
			MaxOutputBytes:     cfg.Execution.MaxOutputBytes,
			MinFreeMemoryBytes: cfg.Execution.MinFreeMemoryMiB << 20,
			MemoryLimitBytes:   cfg.Execution.MemoryLimitMiB << 20,
			InputWait:          cfg.Execution.InputWait,
		},
		Sink:   broadcast.ExecutionRelay{Broadcaster: e.bus},
		Logger: logger.With("subsystem", "execution"),
	}
	e.registry = session.NewRegistry(session.Config{
		Publisher:       e.bus,
		Store:           sessionStore,
		Logger:          logger.With("subsystem", "sessions"),
		MaxParticipants: cfg.Sessions.MaxParticipants,
		EvictionGrace:   cfg.Sessions.EvictionGrace,
		ChatTail:        cfg.Sessions.ChatTail,
		DefaultLanguage: cfg.Execution.DefaultLanguage,
		AutoCreate:      cfg.Sessions.AutoCreateEnabled(),
	})
	e.gateway = gateway.New(gateway.Config{
		Dispatcher: &gateway.Dispatcher{
			Registry:    e.registry,
			Broadcaster: e.bus,
			Executions:  e.executions,
			Languages:   e.languages,
			Directory:   identity.New(cfg.Users),
			Logger:      logger.With("subsystem", "dispatch"),
		},
		Logger:          logger.With("subsystem", "gateway"),
		MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		AllowedOrigins:  cfg.Gateway.AllowedOrigins,
		PongWait:        cfg.Gateway.PongWait,
		WriteWait:       cfg.Gateway.WriteWait,
		QueueSize:       cfg.Sessions.OutboundQueue,
	})
	e.server = controlserver.New(controlserver.Config{
		Registry:        e.registry,
		Executions:      e.executions,
		Languages:       e.languages,
		Broadcaster:     e.bus,
		Gateway:         e.gateway,
		DefaultLanguage: cfg.Execution.DefaultLanguage,
		Logger:          logger.With("subsystem", "http"),
	})
	return e, nil
}

// close stops work in dependency order: connections, executions, then the
// registry flush into the store.
func (e *engine) close(logger *log.Logger) {
	e.gateway.Close()
	e.executions.StopAll()
	e.registry.Close()
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}
}

// storeSummary describes the store and how many sessions it holds.
func (e *engine) storeSummary(ctx context.Context) string {
	if e.store == nil {
		return "disabled, sessions are memory-only"
	}
	records, err := e.store.ListSessions(ctx)
	if err != nil {
		return e.store.Path()
	}
	return fmt.Sprintf("%s (%d saved sessions)", e.store.Path(), len(records))
}

func executionCapacity(cfg runtimeconfig.ExecutionConfig) string {
	out := fmt.Sprintf("%d concurrent, admitted above %d MiB free", cfg.MaxConcurrent, cfg.MinFreeMemoryMiB)
	if cfg.MemoryLimitMiB > 0 {
		out += fmt.Sprintf(", %d MiB each", cfg.MemoryLimitMiB)
	}
	return out
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config.WithDefaults()
	if s.NoStore {
		cfg.Store.Disabled = true
	}
	level := firstNonEmpty(s.LogLevel, cfg.LogLevel)
	logger, err := newLogger(level, "server")
	if err != nil {
		return err
	}
	color := shouldUseANSI(ctx.Stderr)
	styleLogger(logger, color)

	ep, err := endpoint.ResolveListen(firstNonEmpty(s.Listen, cfg.Listen))
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, err := newEngine(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.close(logger)

	if isTerminal(ctx.Stderr) {
		writeBanner(ctx.Stderr, banner{
			Title: "coderoom serve",
			Rows: []bannerRow{
				{Label: "listen", Value: endpointDisplay(ep)},
				{Label: "config", Value: ctx.ConfigPath},
				{Label: "store", Value: e.storeSummary(runCtx)},
				{Label: "languages", Value: strings.Join(e.languages.Names(), ", ")},
				{Label: "sessions", Value: fmt.Sprintf("up to %d participants, idle eviction after %s",
					cfg.Sessions.MaxParticipants, cfg.Sessions.EvictionGrace)},
				{Label: "executions", Value: executionCapacity(cfg.Execution)},
				{Label: "log level", Value: effectiveLogLevel(level)},
			},
		}, color)
	}

	return controlserver.Serve(runCtx, ep, e.server.Handler(), logger, &controlserver.TLSOptions{
		CertPath: s.TLSCert,
		KeyPath:  s.TLSKey,
	}, e.gateway.Close)
}
