package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stitchmarket/stitchmarket/internal/clock"
	"github.com/stitchmarket/stitchmarket/internal/config"
	"github.com/stitchmarket/stitchmarket/internal/events"
	listingservice "github.com/stitchmarket/stitchmarket/internal/listing/service"
	notificationdomain "github.com/stitchmarket/stitchmarket/internal/notification/domain"
	"github.com/stitchmarket/stitchmarket/internal/observability/logger"
	"github.com/stitchmarket/stitchmarket/internal/observability/metrics"
	"github.com/stitchmarket/stitchmarket/internal/order/domain"
	paymentdomain "github.com/stitchmarket/stitchmarket/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Fees     *config.FeeConfigHolder
	Listings *listingservice.Service
	Notifier notificationdomain.Notifier
	Bus      events.Publisher
	Metrics  *metrics.Metrics `optional:"true"`
}

// Service owns the order side effects triggered by payment transitions. It
// implements the fulfillment surface the webhook executor dispatches to.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	fees     *config.FeeConfigHolder
	listings *listingservice.Service
	notifier notificationdomain.Notifier
	bus      events.Publisher
	metrics  *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("order.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		fees:     p.Fees,
		listings: p.Listings,
		notifier: p.Notifier,
		bus:      p.Bus,
		metrics:  p.Metrics,
	}
}

// HandlePaymentSuccess marks the order paid, schedules the seller payout net
// of commission, and marks the listing sold. Everything runs on the caller's
// transaction; any error rolls the whole payment transition back.
func (s *Service) HandlePaymentSuccess(ctx context.Context, tx *gorm.DB, in paymentdomain.SuccessInput) error {
	log := logger.WithContext(ctx, s.log)
	now := s.clock.Now()

	var order *domain.Order
	if in.OrderID != nil {
		loaded, err := s.lockOrder(ctx, tx, *in.OrderID)
		if err != nil {
			return err
		}
		order = loaded

		fees := s.fees.Get()
		commission := in.AmountCents * int64(fees.CommissionBps) / 10_000

		err = tx.WithContext(ctx).
			Model(&domain.Order{}).
			Where("id = ?", order.ID).
			Updates(map[string]any{
				"status":           domain.StatusPaid,
				"commission_cents": commission,
				"paid_at":          now,
				"updated_at":       now,
			}).Error
		if err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}

		if err := s.schedulePayout(ctx, tx, order, in.AmountCents-commission, now, fees); err != nil {
			return err
		}
	}

	if in.ListingID != nil {
		if err := s.listings.MarkSold(ctx, tx, *in.ListingID, now); err != nil {
			return fmt.Errorf("mark listing sold: %w", err)
		}
	}

	if in.BuyerID != nil {
		s.notifier.Notify(ctx, tx, *in.BuyerID,
			notificationdomain.KindPaymentConfirmed,
			"Payment confirmed",
			"Your payment went through. The seller is preparing your order.",
			map[string]any{"transaction_ref": in.TransactionRef},
		)
	}
	if order != nil {
		s.notifier.Notify(ctx, tx, order.SellerID,
			notificationdomain.KindItemSold,
			"Your item sold",
			"A buyer completed payment. Your payout is scheduled.",
			map[string]any{"order_id": order.ID.String()},
		)
	}

	s.metrics.RecordOrderFulfilled(ctx, "paid")
	log.Info("payment success fulfilled",
		zap.String("payment_id", in.PaymentID.String()),
		zap.String("transaction_ref", in.TransactionRef),
	)
	return nil
}

// HandlePaymentFailure cancels or refunds the order, reverses any scheduled
// payout, and returns the listing to the available pool.
func (s *Service) HandlePaymentFailure(ctx context.Context, tx *gorm.DB, in paymentdomain.FailureInput) error {
	log := logger.WithContext(ctx, s.log)
	now := s.clock.Now()

	var order *domain.Order
	if in.OrderID != nil {
		loaded, err := s.lockOrder(ctx, tx, *in.OrderID)
		if err != nil {
			return err
		}
		order = loaded

		values := map[string]any{"updated_at": now}
		if in.Refunded {
			values["status"] = domain.StatusRefunded
			values["refunded_at"] = now
		} else {
			values["status"] = domain.StatusCancelled
			values["cancelled_at"] = now
		}
		err = tx.WithContext(ctx).
			Model(&domain.Order{}).
			Where("id = ?", order.ID).
			Updates(values).Error
		if err != nil {
			return fmt.Errorf("mark order %s: %w", values["status"], err)
		}

		err = tx.WithContext(ctx).
			Model(&domain.Payout{}).
			Where("order_id = ? AND status = ?", order.ID, domain.PayoutScheduled).
			Updates(map[string]any{
				"status":     domain.PayoutReversed,
				"updated_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("reverse payout: %w", err)
		}
	}

	if in.ListingID != nil {
		if err := s.listings.Release(ctx, tx, *in.ListingID, now); err != nil {
			return fmt.Errorf("release listing: %w", err)
		}
	}

	if order != nil {
		kind := notificationdomain.KindPaymentFailed
		title := "Payment failed"
		body := "Your payment did not go through. The item is available again."
		if in.Refunded {
			kind = notificationdomain.KindPaymentRefunded
			title = "Payment refunded"
			body = "Your payment was refunded in full."
		}
		s.notifier.Notify(ctx, tx, order.BuyerID, kind, title, body,
			map[string]any{"order_id": order.ID.String(), "transaction_ref": in.TransactionRef},
		)
	}

	result := "cancelled"
	if in.Refunded {
		result = "refunded"
	}
	s.metrics.RecordOrderFulfilled(ctx, result)
	log.Info("payment failure fulfilled",
		zap.String("payment_id", in.PaymentID.String()),
		zap.String("transaction_ref", in.TransactionRef),
		zap.Bool("refunded", in.Refunded),
	)
	return nil
}

func (s *Service) lockOrder(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var order domain.Order
	err := tx.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, domain.ErrOrderNotFound
	}
	return &order, nil
}

func (s *Service) schedulePayout(ctx context.Context, tx *gorm.DB, order *domain.Order, amountCents int64, now time.Time, fees config.FeeConfig) error {
	if amountCents < fees.MinPayoutCents {
		s.log.Warn("payout below minimum, scheduling anyway",
			zap.String("order_id", order.ID.String()),
			zap.Int64("amount_cents", amountCents),
			zap.Int64("min_payout_cents", fees.MinPayoutCents),
		)
	}

	payout := domain.Payout{
		ID:          s.genID.Generate(),
		SellerID:    order.SellerID,
		OrderID:     order.ID,
		AmountCents: amountCents,
		Currency:    order.Currency,
		Status:      domain.PayoutScheduled,
		AvailableAt: now.AddDate(0, 0, fees.PayoutDelayDays),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(&payout).Error; err != nil {
		return fmt.Errorf("schedule payout: %w", err)
	}

	s.bus.Publish(events.Event{
		Kind:        events.KindPayoutScheduled,
		OccurredAt:  now,
		OrderID:     order.ID.String(),
		SellerID:    order.SellerID.String(),
		AmountCents: amountCents,
		Currency:    order.Currency,
	})
	s.metrics.RecordPayoutScheduled(ctx)
	return nil
}
