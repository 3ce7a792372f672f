package rooms

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Querier is the part of pgxpool.Pool the registry uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const createTable = `
CREATE TABLE IF NOT EXISTS sync_rooms (
	document_id TEXT PRIMARY KEY,
	room_id     UUID NOT NULL UNIQUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// The no-op update makes RETURNING yield the stored row on conflict.
const upsertRoom = `
INSERT INTO sync_rooms (document_id, room_id)
VALUES ($1, $2)
ON CONFLICT (document_id) DO UPDATE SET document_id = EXCLUDED.document_id
RETURNING room_id::text`

// Postgres assigns a random room id the first time a document is resolved
// and stores it in sync_rooms.
type Postgres struct {
	db     Querier
	logger zerolog.Logger
}

// NewPostgres returns a registry on db. Call Migrate once before use.
func NewPostgres(db Querier, logger zerolog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger.With().Str("component", "rooms").Logger()}
}

// Migrate creates the sync_rooms table.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, createTable); err != nil {
		return errors.Wrap(err, "rooms: create sync_rooms")
	}
	return nil
}

func (p *Postgres) Resolve(ctx context.Context, documentID string) (string, error) {
	if err := validate(documentID); err != nil {
		return "", err
	}
	candidate := uuid.NewString()

	var room string
	if err := p.db.QueryRow(ctx, upsertRoom, documentID, candidate).Scan(&room); err != nil {
		return "", errors.Wrapf(err, "rooms: resolve %q", documentID)
	}
	if room == candidate {
		p.logger.Info().Str("document", documentID).Str("room", room).Msg("room assigned")
	}
	return room, nil
}
