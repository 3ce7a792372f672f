package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabtext/internal/backend"
	"collabtext/internal/cache"
	"collabtext/internal/config"
	"collabtext/internal/logging"
	"collabtext/internal/presence"
	"collabtext/internal/provider"
	"collabtext/internal/rooms"
	"collabtext/internal/session"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("collabtext-agent", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	flags.String("document", "test-doc", "document to edit")
	flags.String("name", "", "display name")
	flags.String("color", "", "display color")
	flags.String("relay", "", "relay address; discovered over mDNS when empty")
	flags.String("transport", config.TransportWebSocket, "transport: websocket, redis, nats or memory")
	flags.String("log-level", "info", "log level")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("Failed to load config")
	}
	logger, err := logging.New(cfg.Logging, nil)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("Failed to set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("agent failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	tr, err := backend.Open(ctx, cfg.Transport.Kind, cfg, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	registry, closeRegistry, err := rooms.Open(ctx, cfg.Rooms, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	var drafts session.Drafts
	if cfg.Agent.CachePath != "" {
		store, err := cache.Open(cfg.Agent.CachePath)
		if err != nil {
			return err
		}
		defer store.Close()
		drafts = store
	}

	userID := cfg.Agent.UserID
	if userID == "" {
		userID = uuid.NewString()
	}
	identity := session.Identity{UserID: userID, DisplayName: cfg.Agent.Name, Color: cfg.Agent.Color}

	manager, err := session.NewManager(session.Config{
		Factory:  tr.Factory,
		Registry: registry,
		Drafts:   drafts,
		Provider: provider.Options{
			PresenceTimeout: cfg.Sync.PresenceTimeout,
			JoinTimeout:     cfg.Sync.JoinTimeout,
			SendTimeout:     cfg.Sync.SendTimeout,
			DedupSize:       cfg.Sync.DedupSize,
			OnError: func(err error) {
				fmt.Fprintf(os.Stdout, "document error: %v\n", err)
			},
			OnPresence: func(c presence.Change) {
				for _, id := range c.Added {
					fmt.Fprintf(os.Stdout, "* %s joined\n", short(id))
				}
				for _, id := range c.Removed {
					fmt.Fprintf(os.Stdout, "* %s left\n", short(id))
				}
			},
		},
		Logger: logger,
	}, identity)
	if err != nil {
		return err
	}
	defer func() {
		// Detach even when interrupted so the presence tombstone goes out.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("detaching")
		}
	}()

	attachCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	handle, err := manager.Attach(attachCtx, cfg.Agent.Document)
	cancel()
	if err != nil {
		return err
	}
	defer printRemote(os.Stdout, handle.Document())()

	fmt.Fprintf(os.Stdout, "CollabText agent editing %q as %s. /help lists commands.\n", cfg.Agent.Document, identity.DisplayName)
	c := &console{manager: manager, handle: handle, out: os.Stdout}
	return c.run(ctx, os.Stdin)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
