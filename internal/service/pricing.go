package service

import (
	"context"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

// EngineVersion tags every price snapshot with the calculation revision that
// produced it.
const EngineVersion = "pricing/1"

// TaxCalculator computes tax on the discounted subtotal.
type TaxCalculator interface {
	Tax(ctx context.Context, taxable int64, currency string) int64
}

// FlatRateTax applies a fixed rate expressed in basis points.
type FlatRateTax struct {
	Bps int
}

func (f FlatRateTax) Tax(_ context.Context, taxable int64, _ string) int64 {
	if taxable <= 0 {
		return 0
	}
	return taxable * int64(f.Bps) / 10000
}

// ShippingCalculator computes the shipping cost for an order subtotal.
type ShippingCalculator interface {
	Shipping(ctx context.Context, subtotal int64, currency string) int64
}

// FlatShipping charges a fixed amount for any non-empty order.
type FlatShipping struct {
	Amount int64
}

func (f FlatShipping) Shipping(_ context.Context, subtotal int64, _ string) int64 {
	if subtotal <= 0 {
		return 0
	}
	return f.Amount
}

// CouponResolver turns a coupon code into a discount amount.
type CouponResolver interface {
	Discount(ctx context.Context, code string, subtotal int64) (int64, error)
}

// NoCoupons resolves every code to zero discount.
type NoCoupons struct{}

func (NoCoupons) Discount(context.Context, string, int64) (int64, error) {
	return 0, nil
}

// PricingService computes authoritative totals and verifies them later.
type PricingService struct {
	tax      TaxCalculator
	shipping ShippingCalculator
	coupons  CouponResolver
	logger   *zap.Logger
}

// NewPricingService creates a pricing service with the given collaborators.
func NewPricingService(tax TaxCalculator, shipping ShippingCalculator, coupons CouponResolver) *PricingService {
	if coupons == nil {
		coupons = NoCoupons{}
	}
	return &PricingService{
		tax:      tax,
		shipping: shipping,
		coupons:  coupons,
		logger:   util.GetLogger(),
	}
}

// Compute derives totals from frozen line items. Discount applies to the
// subtotal; tax is charged on the discounted amount.
func (p *PricingService) Compute(ctx context.Context, items []models.SessionItem, couponCode, currency string) (models.Totals, error) {
	var subtotal int64
	for _, item := range items {
		subtotal += item.UnitPrice * int64(item.Quantity)
	}

	var discount int64
	if couponCode != "" {
		d, err := p.coupons.Discount(ctx, couponCode, subtotal)
		if err != nil {
			return models.Totals{}, err
		}
		if d > subtotal {
			d = subtotal
		}
		discount = d
	}

	tax := p.tax.Tax(ctx, subtotal-discount, currency)
	shipping := p.shipping.Shipping(ctx, subtotal, currency)

	return models.Totals{
		Subtotal: subtotal,
		Discount: discount,
		Tax:      tax,
		Shipping: shipping,
		Total:    subtotal - discount + tax + shipping,
	}, nil
}

// SnapshotFromSession freezes the session's totals into the immutable
// financial record attached to an order. Computed from the session, never
// from live catalog prices.
func (p *PricingService) SnapshotFromSession(sess *models.CheckoutSession, lockedAt time.Time) *models.PriceSnapshot {
	return &models.PriceSnapshot{
		Subtotal:      sess.Subtotal,
		Discount:      sess.Discount,
		Tax:           sess.Tax,
		Shipping:      sess.Shipping,
		FinalAmount:   sess.Total,
		Currency:      sess.Currency,
		CouponCode:    sess.CouponCode,
		EngineVersion: EngineVersion,
		LockedAt:      lockedAt,
	}
}

// VerifyOrderIntegrity re-checks the money chain at payment-success time:
// the order total must equal the locked snapshot, and the charged intent
// must equal the order total. Any mismatch is an IntegrityError; callers
// freeze the order instead of completing fulfillment.
func (p *PricingService) VerifyOrderIntegrity(order *models.Order, snap *models.PriceSnapshot, intent *models.PaymentIntent) error {
	if order.TotalAmount != snap.FinalAmount {
		p.logger.Error("Order total diverged from locked snapshot",
			zap.Int64("order_id", order.ID),
			zap.Int64("order_total", order.TotalAmount),
			zap.Int64("snapshot_amount", snap.FinalAmount))
		return &IntegrityError{
			OrderID:  order.ID,
			Detail:   "order total does not match price snapshot",
			Expected: snap.FinalAmount,
			Actual:   order.TotalAmount,
		}
	}
	if intent != nil && intent.Amount != order.TotalAmount {
		p.logger.Error("Payment intent amount diverged from order total",
			zap.Int64("order_id", order.ID),
			zap.Int64("intent_amount", intent.Amount),
			zap.Int64("order_total", order.TotalAmount))
		return &IntegrityError{
			OrderID:  order.ID,
			Detail:   "payment intent amount does not match order total",
			Expected: order.TotalAmount,
			Actual:   intent.Amount,
		}
	}
	return nil
}
