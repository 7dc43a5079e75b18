package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulator is an in-process provider used in development and load testing.
// It settles a configurable fraction of charges and remembers transaction ids
// so Verify answers truthfully.
type Simulator struct {
	successRate float64

	mu      sync.Mutex
	settled map[string]bool
}

// NewSimulator creates a simulated provider settling successRate of charges.
func NewSimulator(successRate float64) *Simulator {
	return &Simulator{
		successRate: successRate,
		settled:     make(map[string]bool),
	}
}

func (s *Simulator) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*Intent, error) {
	id := fmt.Sprintf("pi_%s", uuid.New().String()[:12])
	return &Intent{
		ProviderID:   id,
		ClientSecret: fmt.Sprintf("%s_secret_%s", id, uuid.New().String()[:8]),
	}, nil
}

func (s *Simulator) Charge(ctx context.Context, providerID string, amount int64) (*ChargeResult, error) {
	// Provider latency.
	select {
	case <-time.After(time.Duration(100+rand.Intn(400)) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if rand.Float64() >= s.successRate {
		return nil, ErrDeclined
	}

	txID := fmt.Sprintf("TXN-%s", uuid.New().String()[:8])
	s.mu.Lock()
	s.settled[txID] = true
	s.mu.Unlock()

	return &ChargeResult{
		TransactionID: txID,
		RawResponse:   fmt.Sprintf(`{"id":%q,"intent":%q,"amount":%d,"status":"succeeded"}`, txID, providerID, amount),
	}, nil
}

func (s *Simulator) Verify(ctx context.Context, transactionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled[transactionID], nil
}

func (s *Simulator) Refund(ctx context.Context, transactionID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settled[transactionID] {
		return fmt.Errorf("unknown transaction %s", transactionID)
	}
	delete(s.settled, transactionID)
	return nil
}
