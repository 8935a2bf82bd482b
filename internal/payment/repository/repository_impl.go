package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stitchmarket/stitchmarket/internal/payment/domain"
	"github.com/stitchmarket/stitchmarket/pkg/db"
	"github.com/stitchmarket/stitchmarket/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, gdb *gorm.DB, eventID string) (*domain.WebhookEvent, error) {
	var item domain.WebhookEvent
	err := gdb.WithContext(ctx).
		Where("event_id = ?", eventID).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// InsertEvent inserts the ledger row, relying on the unique index on
// event_id. A conflicting insert reports (false, nil) so the caller can
// treat the delivery as an idempotent replay.
func (r *repo) InsertEvent(ctx context.Context, gdb *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	res := gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, gdb *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return gdb.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       domain.EventProcessed,
			"processed_at": processedAt,
		}).Error
}

func (r *repo) ListEvents(ctx context.Context, gdb *gorm.DB, req domain.ListEventsRequest) (domain.ListEventsResponse, error) {
	size := req.PageSize
	if size <= 0 {
		size = 25
	}
	if size > 250 {
		size = 250
	}

	query := gdb.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Order("id DESC").
		Limit(size + 1)

	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListEventsResponse{}, err
		}
		if cursor.ID != "" {
			id, err := snowflake.ParseString(cursor.ID)
			if err != nil {
				return domain.ListEventsResponse{}, err
			}
			query = query.Where("id < ?", id)
		}
	}

	var events []domain.WebhookEvent
	if err := query.Find(&events).Error; err != nil {
		return domain.ListEventsResponse{}, err
	}

	resp := domain.ListEventsResponse{}
	if len(events) > size {
		events = events[:size]
		resp.HasMore = true
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID: events[len(events)-1].ID.String(),
		})
		if err != nil {
			return domain.ListEventsResponse{}, err
		}
		resp.NextPageToken = token
	}
	resp.Events = events
	return resp, nil
}

// FindByTransactionRef fetches up to two rows so the caller can warn when
// the transaction_ref uniqueness invariant is violated. It never assumes the
// database-level unique constraint exists.
func (r *repo) FindByTransactionRef(ctx context.Context, gdb *gorm.DB, ref string) ([]domain.PaymentRecord, error) {
	var records []domain.PaymentRecord
	err := gdb.WithContext(ctx).
		Where("transaction_ref = ?", ref).
		Limit(2).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) UpdatePayment(ctx context.Context, gdb *gorm.DB, id snowflake.ID, update domain.PaymentUpdate) error {
	values := map[string]any{
		"status":           update.Status,
		"gateway_response": update.GatewayResponse,
		"updated_at":       update.UpdatedAt,
	}
	if update.IsRefunded {
		values["is_refunded"] = true
		values["refunded_at"] = update.RefundedAt
	}
	return gdb.WithContext(ctx).
		Model(&domain.PaymentRecord{}).
		Where("id = ?", id).
		Updates(values).Error
}
