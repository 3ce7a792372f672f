// Package backend builds the transport named by the configuration.
package backend

import (
	"context"
	"time"

	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/transport"
	"collabtext/internal/transport/memory"
	natstransport "collabtext/internal/transport/nats"
	redistransport "collabtext/internal/transport/redis"
	"collabtext/internal/transport/ws"

	gonats "github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Backend is a transport factory and the connection behind it.
type Backend struct {
	Factory transport.Factory
	close   func()
}

// Close releases the connection.
func (b *Backend) Close() {
	if b != nil && b.close != nil {
		b.close()
	}
}

// Open connects the transport of the given kind.
func Open(ctx context.Context, kind string, cfg *config.Config, logger zerolog.Logger) (*Backend, error) {
	switch kind {
	case config.TransportMemory:
		bus := memory.NewBus(logger)
		return &Backend{Factory: bus, close: bus.Close}, nil

	case config.TransportRedis:
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Address})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, errors.Wrapf(err, "could not connect to Redis at %s", cfg.Redis.Address)
		}
		logger.Info().Str("addr", cfg.Redis.Address).Msg("Connected to Redis successfully.")
		return &Backend{
			Factory: redistransport.New(rdb, cfg.Redis.Prefix, logger),
			close:   func() { _ = rdb.Close() },
		}, nil

	case config.TransportNATS:
		nc, err := gonats.Connect(cfg.NATS.URL,
			gonats.Name("collabtext"),
			gonats.MaxReconnects(-1),
			gonats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, errors.Wrapf(err, "could not connect to NATS at %s", cfg.NATS.URL)
		}
		logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS successfully.")
		return &Backend{
			Factory: natstransport.New(nc, cfg.NATS.Prefix, logger),
			close:   nc.Close,
		}, nil

	case config.TransportWebSocket:
		relay := cfg.Transport.RelayURL
		if relay == "" {
			if !cfg.Agent.Discover {
				return nil, errors.New("transport.relay_url is empty and discovery is disabled")
			}
			lookupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			addr, err := discovery.Lookup(lookupCtx, cfg.Relay.Service, logger)
			cancel()
			if err != nil {
				return nil, errors.Wrap(err, "discovering relay")
			}
			relay = addr
		}
		d, err := ws.NewDialer(relay, ws.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		logger.Info().Str("relay", relay).Msg("using relay")
		return &Backend{Factory: d}, nil
	}
	return nil, errors.Errorf("unknown transport %q", kind)
}
