package gateway

import (
	"context"
	"errors"
)

// ErrDeclined is returned when the provider refuses the charge. Declines are
// final for the attempt; transport-level errors surface as ordinary errors
// after the provider's own retry policy is exhausted.
var ErrDeclined = errors.New("payment declined")

// Intent is the provider-side handle for a payment attempt.
type Intent struct {
	ProviderID   string
	ClientSecret string
}

// ChargeResult carries the provider's settlement outcome.
type ChargeResult struct {
	TransactionID string
	RawResponse   string
}

// Gateway is the payment provider boundary. Implementations own transport,
// authentication and transient-retry policy; callers only see the final
// outcome of each operation.
type Gateway interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*Intent, error)
	Charge(ctx context.Context, providerID string, amount int64) (*ChargeResult, error)
	Verify(ctx context.Context, transactionID string) (bool, error)
	Refund(ctx context.Context, transactionID string, amount int64) error
}
