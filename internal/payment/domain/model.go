package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stitchmarket/stitchmarket/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentStatus is the internal payment status vocabulary. failed and
// refunded are terminal.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusCompleted  PaymentStatus = "completed"
	StatusFailed     PaymentStatus = "failed"
	StatusRefunded   PaymentStatus = "refunded"
)

// IsTerminal reports whether no further transition is expected from s.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusFailed || s == StatusRefunded
}

// MapProviderStatus translates Tsara's payment status vocabulary into ours.
// Unrecognized inputs map to pending, a safe non-terminal state, rather than
// rejecting the webhook outright.
func MapProviderStatus(providerStatus string) PaymentStatus {
	switch providerStatus {
	case "pending":
		return StatusPending
	case "processing":
		return StatusProcessing
	case "success":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "refunded":
		return StatusRefunded
	default:
		return StatusPending
	}
}

// PaymentRecord is created during checkout initiation and mutated exclusively
// by the webhook transition executor afterwards.
type PaymentRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	TransactionRef  string         `json:"transaction_ref" gorm:"type:text;not null;uniqueIndex:ux_payment_records_transaction_ref"`
	Status          PaymentStatus  `json:"status" gorm:"type:text;not null;default:pending"`
	AmountCents     int64          `json:"amount_cents" gorm:"not null"`
	Currency        string         `json:"currency" gorm:"type:text;not null"`
	OrderID         *snowflake.ID  `json:"order_id"`
	ListingID       *snowflake.ID  `json:"listing_id"`
	BuyerID         *snowflake.ID  `json:"buyer_id"`
	IsRefunded      bool           `json:"is_refunded" gorm:"not null;default:false"`
	RefundedAt      *time.Time     `json:"refunded_at"`
	GatewayResponse datatypes.JSON `json:"gateway_response"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

type WebhookEventStatus string

const (
	EventPending   WebhookEventStatus = "pending"
	EventProcessed WebhookEventStatus = "processed"
	EventFailed    WebhookEventStatus = "failed"
)

// WebhookEvent is the idempotency ledger row for one provider delivery. The
// unique index on event_id turns a concurrent duplicate insert into a
// detectable conflict instead of a double-processing race.
type WebhookEvent struct {
	ID          snowflake.ID       `json:"id" gorm:"primaryKey"`
	EventID     string             `json:"event_id" gorm:"type:text;not null;uniqueIndex:ux_webhook_events_event_id"`
	EventType   string             `json:"event_type" gorm:"type:text;not null"`
	Status      WebhookEventStatus `json:"status" gorm:"type:text;not null;default:pending"`
	ReceivedAt  time.Time          `json:"received_at" gorm:"not null"`
	ProcessedAt *time.Time         `json:"processed_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// Result summarizes one processed webhook delivery.
type Result struct {
	PaymentID  snowflake.ID  `json:"payment_id"`
	Status     PaymentStatus `json:"status"`
	Idempotent bool          `json:"idempotent"`
}

type ListEventsRequest struct {
	pagination.Pagination
	Status WebhookEventStatus
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []WebhookEvent `json:"events"`
}

// Repository is the storage surface of the webhook pipeline. Every method
// takes the handle to run on so callers can pass a transaction.
type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, eventID string) (*WebhookEvent, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	ListEvents(ctx context.Context, db *gorm.DB, req ListEventsRequest) (ListEventsResponse, error)

	FindByTransactionRef(ctx context.Context, db *gorm.DB, ref string) ([]PaymentRecord, error)
	UpdatePayment(ctx context.Context, db *gorm.DB, id snowflake.ID, update PaymentUpdate) error
}

// PaymentUpdate is the mutation applied by the transition executor.
type PaymentUpdate struct {
	Status          PaymentStatus
	GatewayResponse datatypes.JSON
	UpdatedAt       time.Time
	IsRefunded      bool
	RefundedAt      *time.Time
}

// Service is the webhook pipeline entrypoint.
type Service interface {
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (Result, error)
	GetByTransactionRef(ctx context.Context, ref string) (*PaymentRecord, error)
	ListEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
}

// SuccessInput is handed to the fulfillment-success flow.
type SuccessInput struct {
	PaymentID      snowflake.ID
	TransactionRef string
	AmountCents    int64
	Currency       string
	ProviderStatus string
	OrderID        *snowflake.ID
	ListingID      *snowflake.ID
	BuyerID        *snowflake.ID
}

// FailureInput is handed to the fulfillment-failure flow. Refunded marks the
// refund path, which reuses the failure flow to release holds.
type FailureInput struct {
	PaymentID      snowflake.ID
	TransactionRef string
	ProviderStatus string
	Refunded       bool
	OrderID        *snowflake.ID
	ListingID      *snowflake.ID
}

// FulfillmentService is implemented by the order side-effect flows. Handlers
// run on the executor's transaction; a returned error rolls the whole
// delivery back.
type FulfillmentService interface {
	HandlePaymentSuccess(ctx context.Context, tx *gorm.DB, in SuccessInput) error
	HandlePaymentFailure(ctx context.Context, tx *gorm.DB, in FailureInput) error
}
