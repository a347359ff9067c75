package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rpahub/rpahub/pkg/rpahub/artifacts"
	"github.com/rpahub/rpahub/pkg/rpahub/cipher"
	"github.com/rpahub/rpahub/pkg/rpahub/config"
	"github.com/rpahub/rpahub/pkg/rpahub/logbus"
	"github.com/rpahub/rpahub/pkg/rpahub/queue"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// runtime is the shared wiring every hub process starts from. Cipher is
// nil when no encryption key is configured; components that need it
// fail with cipher.ErrKeyMissing at the point of use.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	st     *store.Store
	q      *queue.Queue
	bus    *logbus.Bus
	blobs  *artifacts.Store
	ciph   *cipher.Cipher
}

// setup loads config and opens every shared dependency.
func setup(cmd *cobra.Command) (*runtime, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg, verbose)

	// Config and env take precedence; the OS keyring is the fallback.
	if cfg.APIAuthToken == "" {
		cfg.APIAuthToken = tokenFromKeyring()
	}

	st, err := store.Open(store.Config{Path: cfg.DatabasePath}, logger)
	if err != nil {
		return nil, err
	}

	q, err := queue.New(cfg.RedisURL, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	bus, err := logbus.New(cfg.RedisURL, st, logger)
	if err != nil {
		q.Close()
		st.Close()
		return nil, err
	}

	blobs, err := artifacts.New(cfg.ArtifactsRoot)
	if err != nil {
		bus.Close()
		q.Close()
		st.Close()
		return nil, err
	}

	var ciph *cipher.Cipher
	if cfg.EncryptionKey != "" {
		ciph, err = cipher.New(cfg.EncryptionKey)
		if err != nil {
			bus.Close()
			q.Close()
			st.Close()
			return nil, err
		}
	} else {
		logger.Warn("no encryption key configured, env bindings are disabled")
	}

	return &runtime{
		cfg:    cfg,
		logger: logger,
		st:     st,
		q:      q,
		bus:    bus,
		blobs:  blobs,
		ciph:   ciph,
	}, nil
}

func (rt *runtime) close() {
	rt.bus.Close()
	rt.q.Close()
	rt.st.Close()
}

func newLogger(cfg config.Config, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// requireCipher unwraps the optional cipher for commands that need it.
func (rt *runtime) requireCipher() (*cipher.Cipher, error) {
	if rt.ciph == nil {
		return nil, errors.New("ENCRYPTION_KEY is not configured")
	}
	return rt.ciph, nil
}
