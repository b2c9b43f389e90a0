package entities

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Schema creates the tables read by PostgresSource. The data layer keeps
// entity_changes current with one row per entity (upserted on every write)
// and entity_relations with one row per derived entity.
const Schema = `
CREATE TABLE IF NOT EXISTS entity_changes (
	kind        TEXT        NOT NULL,
	entity_id   TEXT        NOT NULL,
	modified_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, entity_id)
);
CREATE INDEX IF NOT EXISTS entity_changes_scan_idx
	ON entity_changes (modified_at, kind, entity_id);

CREATE TABLE IF NOT EXISTS entity_relations (
	kind         TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	related_kind TEXT NOT NULL,
	related_id   TEXT NOT NULL,
	PRIMARY KEY (kind, entity_id, related_kind, related_id)
);
`

const changedSinceSQL = `
SELECT kind, entity_id, modified_at
FROM entity_changes
WHERE modified_at > $1 AND modified_at <= $2
  AND (NOT $3::bool OR (modified_at, kind, entity_id) > ($4::timestamptz, $5::text, $6::text))
ORDER BY modified_at, kind, entity_id
LIMIT $7`

const relatedSQL = `
SELECT related_kind, related_id
FROM entity_relations
WHERE kind = $1 AND entity_id = ANY($2)
ORDER BY related_kind, related_id`

// DB is the subset of *pgxpool.Pool used by PostgresSource.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSource reads entity changes and relations from Postgres.
type PostgresSource struct {
	db     DB
	logger zerolog.Logger
}

var _ Source = (*PostgresSource)(nil)

// NewPostgresSource creates a source backed by db.
func NewPostgresSource(db DB, logger zerolog.Logger) *PostgresSource {
	if db == nil {
		panic("postgres db cannot be nil")
	}
	return &PostgresSource{
		db:     db,
		logger: logger.With().Str("component", "entities").Logger(),
	}
}

// EnsureSchema creates the change and relation tables when missing.
func (s *PostgresSource) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ChangedSince implements ChangeSource.
func (s *PostgresSource) ChangedSince(ctx context.Context, since, until time.Time, after *Cursor, limit int) ([]Change, error) {
	var (
		hasCursor bool
		cAt       time.Time
		cKind     string
		cID       string
	)
	if after != nil {
		hasCursor = true
		cAt, cKind, cID = after.ModifiedAt, after.Kind.String(), after.ID
	}

	rows, err := s.db.Query(ctx, changedSinceSQL, since, until, hasCursor, cAt, cKind, cID, limit)
	if err != nil {
		return nil, fmt.Errorf("query changed entities: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			kindName string
			c        Change
		)
		if err := rows.Scan(&kindName, &c.ID, &c.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan changed entity: %w", err)
		}
		// Unknown kinds fail the scan: skipping them would shift the keyset cursor.
		k, err := ParseKind(kindName)
		if err != nil {
			return nil, fmt.Errorf("changed entity %s: %w", c.ID, err)
		}
		c.Kind = k
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read changed entities: %w", err)
	}
	return out, nil
}

// Related implements RelationSource.
func (s *PostgresSource) Related(ctx context.Context, kind Kind, ids []string) ([]Ref, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, relatedSQL, kind.String(), ids)
	if err != nil {
		return nil, fmt.Errorf("query related entities: %w", err)
	}
	defer rows.Close()

	var out []Ref
	for rows.Next() {
		var kindName, id string
		if err := rows.Scan(&kindName, &id); err != nil {
			return nil, fmt.Errorf("scan related entity: %w", err)
		}
		k, err := ParseKind(kindName)
		if err != nil {
			s.logger.Warn().Str("kind", kindName).Str("entity_id", id).Msg("Skipping relation of unknown kind")
			continue
		}
		out = append(out, Ref{Kind: k, ID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read related entities: %w", err)
	}
	return out, nil
}

// RecordChange upserts the change row of an entity. The data layer calls it on
// every write; tests use it to seed changes.
func (s *PostgresSource) RecordChange(ctx context.Context, ref Ref, at time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO entity_changes (kind, entity_id, modified_at) VALUES ($1, $2, $3)
ON CONFLICT (kind, entity_id) DO UPDATE SET modified_at = EXCLUDED.modified_at`,
		ref.Kind.String(), ref.ID, at)
	if err != nil {
		return fmt.Errorf("record change %s: %w", ref, err)
	}
	return nil
}

// RecordRelation stores that to is derived from from.
func (s *PostgresSource) RecordRelation(ctx context.Context, from, to Ref) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO entity_relations (kind, entity_id, related_kind, related_id) VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`,
		from.Kind.String(), from.ID, to.Kind.String(), to.ID)
	if err != nil {
		return fmt.Errorf("record relation %s -> %s: %w", from, to, err)
	}
	return nil
}
