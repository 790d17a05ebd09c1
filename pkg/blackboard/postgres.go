package blackboard

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver, used only for migrations

	"github.com/codeready-toolchain/darwin-brain/pkg/brainerrors"
	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore is the durable Store implementation. Event documents are
// stored as a JSONB blob with an integer version column used for optimistic
// concurrency: every mutation reads the document and version, computes the
// new document in Go, then issues `UPDATE ... WHERE id = $4 AND version = $5`.
// A zero rows-affected result means a concurrent writer won the race, and
// the mutation is retried.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Config holds the connection parameters for the backing Postgres instance.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// NewPostgresStore opens a pool against cfg.DSN, applies embedded migrations,
// and returns a ready Store.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("blackboard: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("blackboard: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("blackboard: ping: %w", err)
	}

	if err := runMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// runMigrations applies the embedded schema using golang-migrate. It opens
// its own database/sql connection via the pgx stdlib driver because
// golang-migrate's postgres backend expects a *sql.DB, not a pgxpool.Pool.
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("blackboard: open migration conn: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("blackboard: migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("blackboard: migration source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "darwin_brain", driver)
	if err != nil {
		return fmt.Errorf("blackboard: migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("blackboard: apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// retryPolicy bounds transient-error retries with exponential backoff, per
// spec.md §4.1's "retried with exponential backoff up to a small bound".
func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return backoff.WithMaxRetries(b, 5)
}

type document struct {
	Event   *conversation.Event `json:"event"`
	Version int64               `json:"-"`
}

func (s *PostgresStore) loadDoc(ctx context.Context, id string) (*document, error) {
	var (
		raw     []byte
		version int64
		status  string
	)
	row := s.pool.QueryRow(ctx, `SELECT document, version, status FROM events WHERE id = $1`, id)
	if err := row.Scan(&raw, &version, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, brainerrors.ErrNotFound
		}
		return nil, brainerrors.NewStorageError("loadDoc", id, err)
	}
	var e conversation.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, brainerrors.NewStorageError("loadDoc", id, err)
	}
	return &document{Event: &e, Version: version}, nil
}

// atomicUpdate implements the generic read-modify-write-with-CAS primitive
// described in spec.md §9 ("a generic atomicUpdate(id, fn) primitive on the
// Blackboard that retries on CAS failure with bounded attempts").
func (s *PostgresStore) atomicUpdate(ctx context.Context, id string, fn func(e *conversation.Event) error) error {
	op := func() error {
		doc, err := s.loadDoc(ctx, id)
		if err != nil {
			if errors.Is(err, brainerrors.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := fn(doc.Event); err != nil {
			return backoff.Permanent(err)
		}
		raw, err := json.Marshal(doc.Event)
		if err != nil {
			return backoff.Permanent(brainerrors.NewStorageError("atomicUpdate", id, err))
		}
		tag, err := s.pool.Exec(ctx,
			`UPDATE events SET document = $1, status = $2, closed_at = $3, version = version + 1, updated_at = now()
			 WHERE id = $4 AND version = $5`,
			raw, string(doc.Event.Status), doc.Event.ClosedAt, id, doc.Version)
		if err != nil {
			return brainerrors.NewStorageError("atomicUpdate", id, err)
		}
		if tag.RowsAffected() == 0 {
			return brainerrors.ErrConcurrentModification
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(retryPolicy(), ctx))
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*conversation.Event, error) {
	doc, err := s.loadDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.Event.Clone(), nil
}

func (s *PostgresStore) CreateEvent(ctx context.Context, e *conversation.Event) error {
	if e.Status == "" {
		e.Status = conversation.StatusNew
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return brainerrors.NewStorageError("CreateEvent", e.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (id, status, document, version) VALUES ($1, $2, $3, 1)`,
		e.ID, string(e.Status), raw)
	if err != nil {
		return brainerrors.NewStorageError("CreateEvent", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListActiveEventIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM events WHERE status <> $1`, string(conversation.StatusClosed))
	if err != nil {
		return nil, brainerrors.NewStorageError("ListActiveEventIDs", "", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, brainerrors.NewStorageError("ListActiveEventIDs", "", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) AppendTurn(ctx context.Context, id string, turn conversation.Turn) (int, error) {
	assigned := 0
	err := s.atomicUpdate(ctx, id, func(e *conversation.Event) error {
		if e.Status.Terminal() {
			return brainerrors.ErrInvalidTransition
		}
		turn.Turn = 0
		if turn.Status == "" {
			turn.Status = conversation.StatusSent
		}
		if turn.Timestamp.IsZero() {
			turn.Timestamp = time.Now()
		}
		next, err := conversation.AppendTurn(e.Conversation, turn)
		if err != nil {
			return err
		}
		e.Conversation = next
		assigned = len(next)
		if e.FirstTurnAt == nil {
			t := turn.Timestamp
			e.FirstTurnAt = &t
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

func (s *PostgresStore) MarkTurnsDelivered(ctx context.Context, id string, uptoTurn int) (int, error) {
	count := 0
	err := s.atomicUpdate(ctx, id, func(e *conversation.Event) error {
		count = 0
		for i := range e.Conversation {
			t := &e.Conversation[i]
			if t.Turn > uptoTurn {
				continue
			}
			if t.Status == conversation.StatusSent {
				t.Status = conversation.StatusDelivered
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *PostgresStore) MarkTurnsEvaluated(ctx context.Context, id string) (int, error) {
	count := 0
	err := s.atomicUpdate(ctx, id, func(e *conversation.Event) error {
		count = 0
		for i := range e.Conversation {
			t := &e.Conversation[i]
			if t.Status != conversation.StatusEvaluated {
				t.Status = conversation.StatusEvaluated
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *PostgresStore) MarkTurnStatus(ctx context.Context, id string, turnNumber int, newStatus conversation.MessageStatus) (bool, error) {
	ok := false
	err := s.atomicUpdate(ctx, id, func(e *conversation.Event) error {
		next, err := conversation.AdvanceTurnStatus(e.Conversation, turnNumber, newStatus)
		if err != nil {
			return nil
		}
		e.Conversation = next
		ok = true
		return nil
	})
	return ok, err
}

func (s *PostgresStore) SetEventStatus(ctx context.Context, id string, newStatus conversation.Status, guardExpected *conversation.Status) (bool, error) {
	ok := false
	err := s.atomicUpdate(ctx, id, func(e *conversation.Event) error {
		if guardExpected != nil && e.Status != *guardExpected {
			return nil
		}
		if err := conversation.ValidateTransition(e.Status, newStatus); err != nil {
			return nil
		}
		e.Status = newStatus
		if newStatus == conversation.StatusClosed && e.ClosedAt == nil {
			now := time.Now()
			e.ClosedAt = &now
		}
		ok = true
		return nil
	})
	return ok, err
}

// DeleteClosedBefore removes every CLOSED event whose closed_at precedes
// cutoff, returning the number removed.
func (s *PostgresStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM events WHERE status = $1 AND closed_at IS NOT NULL AND closed_at < $2`,
		string(conversation.StatusClosed), cutoff)
	if err != nil {
		return 0, brainerrors.NewStorageError("DeleteClosedBefore", "", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteStaleBefore removes every non-CLOSED event whose created_at precedes
// cutoff, a safety net for events stuck open well past any normal lifetime.
func (s *PostgresStore) DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM events WHERE status <> $1 AND created_at < $2`,
		string(conversation.StatusClosed), cutoff)
	if err != nil {
		return 0, brainerrors.NewStorageError("DeleteStaleBefore", "", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SetDeferUntil(ctx context.Context, id string, ts *time.Time) (bool, error) {
	err := s.atomicUpdate(ctx, id, func(e *conversation.Event) error {
		e.DeferUntil = ts
		return nil
	})
	return err == nil, err
}

func (s *PostgresStore) MarkAllTurnsEvaluatedEverywhere(ctx context.Context) error {
	ids, err := s.ListActiveEventIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.MarkTurnsEvaluated(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
