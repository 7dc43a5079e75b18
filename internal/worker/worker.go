package worker

import (
	"context"
	"encoding/json"
	"time"

	"checkout-engine/internal/broker"
	"checkout-engine/internal/models"
	"checkout-engine/internal/service"
	"checkout-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PaymentEventWorker consumes checkout events and applies asynchronous
// gateway deliveries to their orders. Order lifecycle events on the same
// topic are skipped; they exist for downstream consumers.
type PaymentEventWorker struct {
	consumer     *broker.Consumer
	orchestrator *service.Orchestrator
	logger       *zap.Logger
}

func NewPaymentEventWorker(consumer *broker.Consumer, orchestrator *service.Orchestrator) *PaymentEventWorker {
	return &PaymentEventWorker{
		consumer:     consumer,
		orchestrator: orchestrator,
		logger:       util.GetLogger(),
	}
}

// Start blocks consuming messages until ctx is cancelled. Handler errors
// leave the message uncommitted for redelivery; the processed-event table
// keeps redeliveries harmless.
func (w *PaymentEventWorker) Start(ctx context.Context) error {
	w.logger.Info("payment event worker started")
	return w.consumer.StartConsuming(ctx, w.handle)
}

func (w *PaymentEventWorker) handle(ctx context.Context, msg kafka.Message) error {
	eventType, err := broker.EventType(msg.Value)
	if err != nil {
		// Malformed payloads are logged and committed; redelivering them
		// can never succeed.
		w.logger.Error("dropping undecodable message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	switch eventType {
	case models.EventTypePaymentSucceeded:
		var evt models.PaymentSucceededEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			w.logger.Error("dropping malformed payment success event", zap.Error(err))
			return nil
		}
		return w.orchestrator.HandlePaymentSucceeded(ctx, &evt)
	case models.EventTypePaymentFailed:
		var evt models.PaymentFailedEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			w.logger.Error("dropping malformed payment failure event", zap.Error(err))
			return nil
		}
		return w.orchestrator.HandlePaymentFailed(ctx, &evt)
	default:
		return nil
	}
}

// Sweeper periodically releases expired reservation holds and closes out
// lapsed checkout sessions so abandoned checkouts return their stock and
// their carts.
type Sweeper struct {
	inventory *service.InventoryService
	sessions  *service.SessionManager
	interval  time.Duration
	logger    *zap.Logger
}

func NewSweeper(inventory *service.InventoryService, sessions *service.SessionManager, interval time.Duration) *Sweeper {
	return &Sweeper{
		inventory: inventory,
		sessions:  sessions,
		interval:  interval,
		logger:    util.GetLogger(),
	}
}

// Start blocks running sweep rounds until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.inventory.SweepExpired(ctx); err != nil {
				s.logger.Error("reservation sweep failed", zap.Error(err))
			}
			if _, err := s.sessions.SweepExpired(ctx); err != nil {
				s.logger.Error("session sweep failed", zap.Error(err))
			}
		}
	}
}
