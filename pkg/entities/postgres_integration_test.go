//go:build integration

package entities

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a Postgres container and returns a pool
func setupPostgres(t *testing.T) (*pgxpool.Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "pagecache",
			"POSTGRES_PASSWORD": "pagecache",
			"POSTGRES_DB":       "pagecache",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}

	endpoint, err := pgContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Postgres endpoint: %v", err)
	}

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgres://pagecache:pagecache@%s/pagecache?sslmode=disable", endpoint))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("Failed to connect to Postgres: %v", err)
	}

	cleanup := func() {
		pool.Close()
		pgContainer.Terminate(ctx)
	}

	return pool, cleanup
}

func TestPostgresSource_Integration_ChangedSince(t *testing.T) {
	pool, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	src := NewPostgresSource(pool, zerolog.Nop())
	if err := src.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	seed := []Change{
		{Ref: Ref{Kind: Hotel, ID: "h-1"}, ModifiedAt: base.Add(1 * time.Minute)},
		{Ref: Ref{Kind: FlightOffer, ID: "f-1"}, ModifiedAt: base.Add(2 * time.Minute)},
		{Ref: Ref{Kind: FlightOffer, ID: "f-2"}, ModifiedAt: base.Add(2 * time.Minute)},
		{Ref: Ref{Kind: Airplane, ID: "a-1"}, ModifiedAt: base.Add(3 * time.Minute)},
		{Ref: Ref{Kind: Hotel, ID: "h-old"}, ModifiedAt: base.Add(-time.Hour)},
	}
	for _, c := range seed {
		if err := src.RecordChange(ctx, c.Ref, c.ModifiedAt); err != nil {
			t.Fatalf("RecordChange() error = %v", err)
		}
	}

	// Walk with a page size of 2 to exercise the keyset cursor.
	var (
		got    []Change
		cursor *Cursor
	)
	for {
		batch, err := src.ChangedSince(ctx, base, base.Add(time.Hour), cursor, 2)
		if err != nil {
			t.Fatalf("ChangedSince() error = %v", err)
		}
		got = append(got, batch...)
		if len(batch) < 2 {
			break
		}
		next := CursorOf(batch[len(batch)-1])
		cursor = &next
	}

	want := []Ref{
		{Kind: Hotel, ID: "h-1"},
		{Kind: FlightOffer, ID: "f-1"},
		{Kind: FlightOffer, ID: "f-2"},
		{Kind: Airplane, ID: "a-1"},
	}
	if len(got) != len(want) {
		t.Fatalf("ChangedSince() returned %d changes, want %d: %+v", len(got), len(want), got)
	}
	for i, ref := range want {
		if got[i].Ref != ref {
			t.Errorf("change %d = %v, want %v", i, got[i].Ref, ref)
		}
	}
}

func TestPostgresSource_Integration_Related(t *testing.T) {
	pool, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	src := NewPostgresSource(pool, zerolog.Nop())
	if err := src.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	relations := []struct{ from, to Ref }{
		{Ref{Kind: Airplane, ID: "a-1"}, Ref{Kind: FlightOffer, ID: "f-1"}},
		{Ref{Kind: Airplane, ID: "a-1"}, Ref{Kind: FlightOffer, ID: "f-2"}},
		{Ref{Kind: Airplane, ID: "a-2"}, Ref{Kind: FlightOffer, ID: "f-3"}},
		{Ref{Kind: Hotel, ID: "h-1"}, Ref{Kind: StayOffer, ID: "s-1"}},
	}
	for _, r := range relations {
		if err := src.RecordRelation(ctx, r.from, r.to); err != nil {
			t.Fatalf("RecordRelation() error = %v", err)
		}
	}

	got, err := src.Related(ctx, Airplane, []string{"a-1", "a-2"})
	if err != nil {
		t.Fatalf("Related() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Related() = %v, want 3 offers", got)
	}
	for _, ref := range got {
		if ref.Kind != FlightOffer {
			t.Errorf("unexpected related kind %v", ref.Kind)
		}
	}

	none, err := src.Related(ctx, Hotel, nil)
	if err != nil || len(none) != 0 {
		t.Errorf("Related(nil) = %v, %v", none, err)
	}
}
