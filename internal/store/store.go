package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleTransition is returned when a guarded status update matched no
	// row: the entity left the expected state concurrently.
	ErrStaleTransition = errors.New("entity state changed concurrently")

	// ErrDuplicateKey is returned on unique-constraint violations, e.g. two
	// in-flight requests carrying the same idempotency key.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrSessionConsumed is returned when a checkout session has already
	// spawned an order.
	ErrSessionConsumed = errors.New("checkout session already consumed")
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// runTx runs fn inside a transaction, rolling back on error.
func (s *Store) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// insertTransition writes one audit row for a lifecycle change. It always
// runs inside the same transaction as the status update it records.
func insertTransition(ctx context.Context, tx *sqlx.Tx, kind string, entityID int64, from, to, actor, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO state_transitions (entity_kind, entity_id, from_state, to_state, actor, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		kind, entityID, from, to, actor, reason)
	return err
}

// GetTransitions returns the audit trail for one entity, oldest first.
func (s *Store) GetTransitions(ctx context.Context, kind string, entityID int64) ([]models.StateTransition, error) {
	var rows []models.StateTransition
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM state_transitions
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY id`, kind, entityID)
	return rows, err
}

// GetVariantByID retrieves a product variant by ID
func (s *Store) GetVariantByID(ctx context.Context, id int64) (*models.Variant, error) {
	var v models.Variant
	err := s.db.GetContext(ctx, &v, "SELECT * FROM product_variants WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("variant %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVariantsByIDs retrieves multiple variants by IDs
func (s *Store) GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.Variant, error) {
	if len(ids) == 0 {
		return []models.Variant{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM product_variants WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var variants []models.Variant
	err = s.db.SelectContext(ctx, &variants, query, args...)
	return variants, err
}

// ListVariants retrieves every variant, for mirror seeding
func (s *Store) ListVariants(ctx context.Context) ([]models.Variant, error) {
	var variants []models.Variant
	err := s.db.SelectContext(ctx, &variants, "SELECT * FROM product_variants ORDER BY id")
	return variants, err
}

// IsEventProcessed checks if an externally delivered event has been handled
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as handled; safe against duplicates
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
