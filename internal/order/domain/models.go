package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusPaid      OrderStatus = "paid"
	StatusCancelled OrderStatus = "cancelled"
	StatusRefunded  OrderStatus = "refunded"
)

type PayoutStatus string

const (
	PayoutScheduled PayoutStatus = "scheduled"
	PayoutReleased  PayoutStatus = "released"
	PayoutReversed  PayoutStatus = "reversed"
)

var (
	ErrOrderNotFound = errors.New("order_not_found")
)

type Order struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	BuyerID         snowflake.ID `json:"buyer_id" gorm:"not null;index"`
	SellerID        snowflake.ID `json:"seller_id" gorm:"not null;index"`
	ListingID       snowflake.ID `json:"listing_id" gorm:"not null"`
	AmountCents     int64        `json:"amount_cents" gorm:"not null"`
	CommissionCents int64        `json:"commission_cents" gorm:"not null;default:0"`
	Currency        string       `json:"currency" gorm:"type:text;not null"`
	Status          OrderStatus  `json:"status" gorm:"type:text;not null;default:pending"`
	PlacedAt        time.Time    `json:"placed_at" gorm:"not null"`
	PaidAt          *time.Time   `json:"paid_at"`
	CancelledAt     *time.Time   `json:"cancelled_at"`
	RefundedAt      *time.Time   `json:"refunded_at"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

// Payout is the seller's share of a paid order, released after the
// configured holding period.
type Payout struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	SellerID    snowflake.ID `json:"seller_id" gorm:"not null;index"`
	OrderID     snowflake.ID `json:"order_id" gorm:"not null;index"`
	AmountCents int64        `json:"amount_cents" gorm:"not null"`
	Currency    string       `json:"currency" gorm:"type:text;not null"`
	Status      PayoutStatus `json:"status" gorm:"type:text;not null;default:scheduled"`
	AvailableAt time.Time    `json:"available_at" gorm:"not null"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (Payout) TableName() string { return "payouts" }
