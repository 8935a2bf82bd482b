package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	KindPaymentConfirmed = "payment_confirmed"
	KindPaymentFailed    = "payment_failed"
	KindPaymentRefunded  = "payment_refunded"
	KindItemSold         = "item_sold"
)

type Notification struct {
	ID        snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID    snowflake.ID      `json:"user_id" gorm:"not null;index"`
	Kind      string            `json:"kind" gorm:"type:text;not null"`
	Title     string            `json:"title" gorm:"type:text;not null"`
	Body      string            `json:"body" gorm:"type:text"`
	Metadata  datatypes.JSONMap `json:"metadata"`
	ReadAt    *time.Time        `json:"read_at"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null"`
}

func (Notification) TableName() string { return "notifications" }

// Notifier emits user-facing notifications. Emission is fire and forget:
// implementations log failures and never propagate them to the caller.
type Notifier interface {
	Notify(ctx context.Context, tx *gorm.DB, userID snowflake.ID, kind, title, body string, metadata map[string]any)
}
