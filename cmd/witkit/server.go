package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/hpungsan/witkit/internal/backend"
	"github.com/hpungsan/witkit/internal/config"
	"github.com/hpungsan/witkit/internal/db"
	"github.com/hpungsan/witkit/internal/handles"
	"github.com/hpungsan/witkit/internal/logging"
	"github.com/hpungsan/witkit/internal/mcp"
	"github.com/hpungsan/witkit/internal/ops"
	"github.com/hpungsan/witkit/internal/ratelimit"
	"github.com/hpungsan/witkit/internal/undo"
)

// serve validates cfg, wires the environment and runs the MCP stdio server
// until stdin closes or the process is interrupted.
func serve(baseDir string, cfg *config.Config, logFile string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closeLog, err := logging.New(cfg.LogLevel, logFile)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closeLog()

	for _, w := range cfg.Warnings() {
		logger.Warn().Str("category", w.Category).Str("item", w.Item).Msg(w.Message)
	}
	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		logger.Warn().Strs("tools", unknown).Msg("unknown tools in disabled_tools")
	}

	env, cleanup, err := buildEnv(baseDir, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("backend", cfg.Backend).Str("version", Version).Msg("starting mcp server")
	return mcp.Run(ctx, env, Version)
}

// buildEnv opens the configured backend and creates the in-memory stores.
// The returned cleanup stops the sweep jobs and closes the backend.
func buildEnv(baseDir string, cfg *config.Config, logger zerolog.Logger) (*ops.Env, func(), error) {
	be, closeBackend, err := openBackend(baseDir, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	hs := handles.New(handles.OptionsFromConfig(cfg), logging.Component(logger, "handles"))
	ledger := undo.New(undo.OptionsFromConfig(cfg), logging.Component(logger, "undo"))

	env := &ops.Env{
		Handles: hs,
		Undo:    ledger,
		Backend: be,
		Limiter: ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitRefillPerSecond),
		Cfg:     cfg,
		Log:     logging.Component(logger, "ops"),
	}
	cleanup := func() {
		hs.Close()
		ledger.Close()
		closeBackend()
	}
	return env, cleanup, nil
}

func openBackend(baseDir string, cfg *config.Config, logger zerolog.Logger) (backend.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendAzure:
		client, err := backend.NewAzureClient(backend.AzureOptions{
			BaseURL:      cfg.BaseURL,
			Organization: cfg.Organization,
			Token:        os.Getenv(cfg.PATEnv),
			Logger:       logging.Component(logger, "azure"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w (token is read from $%s)", err, cfg.PATEnv)
		}
		return client, func() {}, nil

	default:
		store, closeDB, err := openLocalStore(baseDir, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, closeDB, nil
	}
}

func openLocalStore(baseDir string, cfg *config.Config, logger zerolog.Logger) (*db.LocalStore, func(), error) {
	database, err := db.Init(baseDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	store := db.NewLocalStore(database, db.LocalOptions{
		DefaultProject: cfg.EffectiveProject(),
		CurrentUser:    currentUser(),
		Logger:         logging.Component(logger, "local"),
	})
	return store, func() { _ = database.Close() }, nil
}

// currentUser is the identity "@me" resolves to in the local store.
func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}
