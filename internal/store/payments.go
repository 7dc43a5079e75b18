package store

import (
	"context"
	"database/sql"
	"fmt"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateIntent persists a new payment attempt in the created state.
func (s *Store) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	query := `
		INSERT INTO payment_intents
			(order_id, session_id, amount, currency, status, provider_id, client_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, intent, query,
		intent.OrderID, intent.SessionID, intent.Amount, intent.Currency,
		intent.Status, intent.ProviderID, intent.ClientSecret)
}

// GetIntentByID retrieves a payment intent by ID
func (s *Store) GetIntentByID(ctx context.Context, id int64) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := s.db.GetContext(ctx, &intent, "SELECT * FROM payment_intents WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment intent %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetIntentsByOrderID retrieves all payment attempts for an order, newest first
func (s *Store) GetIntentsByOrderID(ctx context.Context, orderID int64) ([]models.PaymentIntent, error) {
	var intents []models.PaymentIntent
	err := s.db.SelectContext(ctx, &intents,
		"SELECT * FROM payment_intents WHERE order_id = $1 ORDER BY created_at DESC", orderID)
	return intents, err
}

// GetIntentByProviderTxID retrieves the intent carrying a gateway transaction
// id; returns nil, nil when none matches.
func (s *Store) GetIntentByProviderTxID(ctx context.Context, txID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := s.db.GetContext(ctx, &intent,
		"SELECT * FROM payment_intents WHERE provider_tx_id = $1", txID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetIntentByProviderID retrieves the intent for a gateway intent id
func (s *Store) GetIntentByProviderID(ctx context.Context, providerID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := s.db.GetContext(ctx, &intent,
		"SELECT * FROM payment_intents WHERE provider_id = $1", providerID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment intent %s: %w", providerID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// HasSucceededIntent reports whether any payment attempt for the order
// already settled. Backed by a partial unique index, so even racing writers
// cannot produce a second succeeded intent.
func (s *Store) HasSucceededIntent(ctx context.Context, orderID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM payment_intents WHERE order_id = $1 AND status = 'succeeded')", orderID)
	return exists, err
}

// IntentUpdate carries the gateway outcome written with a status change.
type IntentUpdate struct {
	ProviderTxID string
	RawResponse  string
	ErrorMessage string
	Actor        string
	Reason       string
}

// UpdateIntentStatus moves a payment intent between lifecycle states, guarded
// on the expected current state, writing the gateway outcome and the audit
// row in the same transaction.
func (s *Store) UpdateIntentStatus(ctx context.Context, intentID int64, from, to models.IntentStatus, upd IntentUpdate) error {
	return s.runTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payment_intents SET
				status = $1,
				provider_tx_id = CASE WHEN $2 <> '' THEN $2 ELSE provider_tx_id END,
				raw_response = CASE WHEN $3 <> '' THEN $3 ELSE raw_response END,
				error_message = $4,
				updated_at = NOW()
			WHERE id = $5 AND status = $6`,
			to, upd.ProviderTxID, upd.RawResponse, upd.ErrorMessage, intentID, from)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("payment intent %d %s -> %s: %w", intentID, from, to, ErrStaleTransition)
		}
		return insertTransition(ctx, tx, "payment_intent", intentID, string(from), string(to), upd.Actor, upd.Reason)
	})
}
