package rooms

import (
	"context"

	"collabtext/internal/config"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Open builds the registry named by cfg.Kind. The returned func releases
// its resources.
func Open(ctx context.Context, cfg config.RoomsConfig, db config.DatabaseConfig, logger zerolog.Logger) (Registry, func(), error) {
	if cfg.Kind != config.RoomsPostgres {
		ns := uuid.Nil
		if cfg.Namespace != "" {
			parsed, err := uuid.Parse(cfg.Namespace)
			if err != nil {
				return nil, nil, errors.Wrap(err, "rooms: namespace")
			}
			ns = parsed
		}
		return NewStatic(ns), func() {}, nil
	}

	dbpool, err := pgxpool.New(ctx, db.URL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to connect to database")
	}
	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, nil, errors.Wrap(err, "unable to connect to database")
	}
	logger.Info().Msg("Connected to PostgreSQL successfully.")

	pg := NewPostgres(dbpool, logger)
	if err := pg.Migrate(ctx); err != nil {
		dbpool.Close()
		return nil, nil, err
	}
	cached, err := NewCached(pg, cfg.CacheSize)
	if err != nil {
		dbpool.Close()
		return nil, nil, err
	}
	return cached, dbpool.Close, nil
}
