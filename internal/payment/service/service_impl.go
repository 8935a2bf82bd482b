package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/stitchmarket/stitchmarket/internal/audit/domain"
	"github.com/stitchmarket/stitchmarket/internal/clock"
	"github.com/stitchmarket/stitchmarket/internal/config"
	"github.com/stitchmarket/stitchmarket/internal/events"
	"github.com/stitchmarket/stitchmarket/internal/observability/logger"
	"github.com/stitchmarket/stitchmarket/internal/observability/metrics"
	"github.com/stitchmarket/stitchmarket/internal/payment/domain"
	"github.com/stitchmarket/stitchmarket/internal/payment/tsara"
	"github.com/stitchmarket/stitchmarket/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const eventLockTTL = 30 * time.Second

type Params struct {
	fx.In

	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	Fulfillment domain.FulfillmentService
	Audit       auditdomain.Service
	Bus         events.Publisher
	Locker      *ratelimit.Locker `optional:"true"`
	Metrics     *metrics.Metrics  `optional:"true"`
}

// Service is the webhook pipeline: verify, dedupe, and apply one payment
// transition atomically.
type Service struct {
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	fulfillment domain.FulfillmentService
	audit       auditdomain.Service
	bus         events.Publisher
	locker      *ratelimit.Locker
	metrics     *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		fulfillment: p.Fulfillment,
		audit:       p.Audit,
		bus:         p.Bus,
		locker:      p.Locker,
		metrics:     p.Metrics,
	}
}

// ProcessWebhook runs one provider delivery through the full pipeline:
// signature verification on the raw body, event-ledger dedupe, payment lookup
// by transaction reference, then the status transition and its order side
// effects inside a single transaction. A replayed event id short-circuits to
// an idempotent result without touching the payment.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (domain.Result, error) {
	log := logger.WithContext(ctx, s.log)

	if s.cfg.TsaraWebhookSecret == "" {
		log.Error("webhook rejected: TSARA_WEBHOOK_SECRET is not configured")
		return domain.Result{}, domain.ErrMissingSecret
	}
	if signatureHeader == "" {
		log.Warn("webhook rejected: missing signature header")
		return domain.Result{}, domain.ErrMissingSignature
	}
	if !tsara.VerifySignature(log, payload, signatureHeader, s.cfg.TsaraWebhookSecret) {
		return domain.Result{}, domain.ErrInvalidSignature
	}

	envelope, err := tsara.ParseEvent(payload)
	if err != nil {
		log.Warn("webhook rejected: bad payload", zap.Error(err))
		return domain.Result{}, err
	}

	log = log.With(
		zap.String("delivery_id", ulid.Make().String()),
		zap.String("event_id", envelope.ID),
		zap.String("event_type", envelope.Event),
		zap.String("transaction_ref", envelope.Data.Reference),
		zap.String("provider_status", envelope.Data.Status),
	)

	// Advisory lock so two instances replaying the same delivery don't race
	// between the dedupe read and the ledger insert. The unique index on
	// event_id is the real guarantee; the lock just avoids wasted work.
	token, acquired, err := s.locker.TryLockWebhookEvent(ctx, envelope.ID, eventLockTTL)
	if err != nil {
		log.Warn("event lock unavailable, proceeding without it", zap.Error(err))
	} else if !acquired {
		log.Info("event already being processed elsewhere")
		return domain.Result{}, domain.ErrEventBusy
	} else {
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), envelope.ID, token); err != nil {
				log.Warn("event lock release failed", zap.Error(err))
			}
		}()
	}

	existing, err := s.repo.FindEvent(ctx, s.db, envelope.ID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("lookup webhook event: %w", err)
	}
	if existing != nil {
		log.Info("duplicate webhook event, skipping", zap.String("ledger_status", string(existing.Status)))
		s.metrics.RecordWebhookEvent(ctx, envelope.Event, "duplicate")
		return domain.Result{Idempotent: true}, nil
	}

	payments, err := s.repo.FindByTransactionRef(ctx, s.db, envelope.Data.Reference)
	if err != nil {
		return domain.Result{}, fmt.Errorf("lookup payment: %w", err)
	}
	if len(payments) == 0 {
		return domain.Result{}, s.recordUnmatchedEvent(ctx, log, envelope)
	}
	if len(payments) > 1 {
		log.Warn("multiple payments share one transaction_ref, using the first",
			zap.String("payment_id", payments[0].ID.String()),
		)
	}

	payment := payments[0]
	mapped := domain.MapProviderStatus(envelope.Data.Status)
	if payment.Status.IsTerminal() && payment.Status != mapped {
		log.Warn("overwriting terminal payment status",
			zap.String("payment_id", payment.ID.String()),
			zap.String("from", string(payment.Status)),
			zap.String("to", string(mapped)),
		)
	}

	now := s.clock.Now()
	eventRow := &domain.WebhookEvent{
		ID:         s.genID.Generate(),
		EventID:    envelope.ID,
		EventType:  envelope.Event,
		Status:     domain.EventPending,
		ReceivedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertEvent(ctx, tx, eventRow)
		if err != nil {
			return fmt.Errorf("insert webhook event: %w", err)
		}
		if !inserted {
			return domain.ErrEventAlreadyProcessed
		}

		update := domain.PaymentUpdate{
			Status:          mapped,
			GatewayResponse: datatypes.JSON(payload),
			UpdatedAt:       now,
		}
		if mapped == domain.StatusRefunded {
			update.IsRefunded = true
			update.RefundedAt = &now
		}
		if err := s.repo.UpdatePayment(ctx, tx, payment.ID, update); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}

		if err := s.dispatchFulfillment(ctx, tx, payment, envelope, mapped); err != nil {
			return err
		}

		return s.repo.MarkEventProcessed(ctx, tx, eventRow.ID, now)
	})
	if err != nil {
		if errors.Is(err, domain.ErrEventAlreadyProcessed) {
			log.Info("duplicate webhook event lost the insert race, skipping")
			s.metrics.RecordWebhookEvent(ctx, envelope.Event, "duplicate")
			return domain.Result{Idempotent: true}, nil
		}
		log.Error("webhook transition rolled back", zap.Error(err))
		s.metrics.RecordWebhookEvent(ctx, envelope.Event, "error")
		return domain.Result{}, err
	}

	s.metrics.RecordWebhookEvent(ctx, envelope.Event, "processed")
	s.publishTransition(payment, mapped, now)
	s.auditTransition(ctx, payment, envelope, mapped)
	log.Info("webhook processed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("status", string(mapped)),
	)

	return domain.Result{PaymentID: payment.ID, Status: mapped}, nil
}

// dispatchFulfillment routes order side effects. Success and failed branch on
// the provider's raw status; the refund branch keys off the mapped status so a
// refund reported under any raw label still releases holds.
func (s *Service) dispatchFulfillment(ctx context.Context, tx *gorm.DB, payment domain.PaymentRecord, envelope *tsara.Envelope, mapped domain.PaymentStatus) error {
	switch envelope.Data.Status {
	case tsara.StatusSuccess:
		return s.fulfillment.HandlePaymentSuccess(ctx, tx, domain.SuccessInput{
			PaymentID:      payment.ID,
			TransactionRef: payment.TransactionRef,
			AmountCents:    payment.AmountCents,
			Currency:       payment.Currency,
			ProviderStatus: envelope.Data.Status,
			OrderID:        payment.OrderID,
			ListingID:      payment.ListingID,
			BuyerID:        payment.BuyerID,
		})
	case tsara.StatusFailed:
		return s.fulfillment.HandlePaymentFailure(ctx, tx, domain.FailureInput{
			PaymentID:      payment.ID,
			TransactionRef: payment.TransactionRef,
			ProviderStatus: envelope.Data.Status,
			OrderID:        payment.OrderID,
			ListingID:      payment.ListingID,
		})
	}
	if mapped == domain.StatusRefunded {
		return s.fulfillment.HandlePaymentFailure(ctx, tx, domain.FailureInput{
			PaymentID:      payment.ID,
			TransactionRef: payment.TransactionRef,
			ProviderStatus: envelope.Data.Status,
			Refunded:       true,
			OrderID:        payment.OrderID,
			ListingID:      payment.ListingID,
		})
	}
	return nil
}

// recordUnmatchedEvent writes a failed ledger row for a delivery whose
// transaction reference matches no payment, so replays of it stay idempotent
// and operators can see what the provider sent.
func (s *Service) recordUnmatchedEvent(ctx context.Context, log *zap.Logger, envelope *tsara.Envelope) error {
	now := s.clock.Now()
	row := &domain.WebhookEvent{
		ID:          s.genID.Generate(),
		EventID:     envelope.ID,
		EventType:   envelope.Event,
		Status:      domain.EventFailed,
		ReceivedAt:  now,
		ProcessedAt: &now,
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, row)
	if err != nil {
		// Without the failed ledger row the delivery leaves no audit trail,
		// so surface the write error and let the provider retry instead of
		// answering 404.
		log.Error("recording unmatched webhook event failed", zap.Error(err))
		return fmt.Errorf("record unmatched webhook event: %w", err)
	}
	if !inserted {
		log.Info("unmatched webhook event already recorded")
	}

	log.Warn("webhook references unknown payment")
	s.metrics.RecordWebhookEvent(ctx, envelope.Event, "payment_not_found")

	actor := "tsara"
	ref := envelope.Data.Reference
	if err := s.audit.AuditLog(ctx, "webhook", &actor, "payment.webhook_unmatched", "transaction_ref", &ref, map[string]any{
		"event_id":        envelope.ID,
		"event_type":      envelope.Event,
		"provider_status": envelope.Data.Status,
	}); err != nil {
		log.Warn("audit write failed", zap.Error(err))
	}

	return domain.ErrPaymentNotFound
}

func (s *Service) publishTransition(payment domain.PaymentRecord, mapped domain.PaymentStatus, at time.Time) {
	var kind events.Kind
	switch mapped {
	case domain.StatusCompleted:
		kind = events.KindPaymentSettled
	case domain.StatusFailed:
		kind = events.KindPaymentFailed
	case domain.StatusRefunded:
		kind = events.KindPaymentRefunded
	default:
		return
	}

	event := events.Event{
		Kind:           kind,
		OccurredAt:     at,
		PaymentID:      payment.ID.String(),
		TransactionRef: payment.TransactionRef,
		AmountCents:    payment.AmountCents,
		Currency:       payment.Currency,
	}
	if payment.OrderID != nil {
		event.OrderID = payment.OrderID.String()
	}
	if payment.BuyerID != nil {
		event.BuyerID = payment.BuyerID.String()
	}
	s.bus.Publish(event)
}

func (s *Service) auditTransition(ctx context.Context, payment domain.PaymentRecord, envelope *tsara.Envelope, mapped domain.PaymentStatus) {
	actor := "tsara"
	target := payment.ID.String()
	err := s.audit.AuditLog(ctx, "webhook", &actor, "payment.status_changed", "payment_record", &target, map[string]any{
		"event_id":        envelope.ID,
		"event_type":      envelope.Event,
		"provider_status": envelope.Data.Status,
		"status":          string(mapped),
		"transaction_ref": payment.TransactionRef,
	})
	if err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}

// GetByTransactionRef loads the payment a provider reference points at.
func (s *Service) GetByTransactionRef(ctx context.Context, ref string) (*domain.PaymentRecord, error) {
	payments, err := s.repo.FindByTransactionRef(ctx, s.db, ref)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, domain.ErrPaymentNotFound
	}
	if len(payments) > 1 {
		s.log.Warn("multiple payments share one transaction_ref, using the first",
			zap.String("transaction_ref", ref),
		)
	}
	return &payments[0], nil
}

// ListEvents pages through the webhook event ledger for reconciliation.
func (s *Service) ListEvents(ctx context.Context, req domain.ListEventsRequest) (domain.ListEventsResponse, error) {
	return s.repo.ListEvents(ctx, s.db, req)
}
