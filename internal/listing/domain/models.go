package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/lib/pq"
)

type ListingStatus string

const (
	StatusAvailable ListingStatus = "available"
	StatusHeld      ListingStatus = "held"
	StatusSold      ListingStatus = "sold"
)

var (
	ErrNotFound      = errors.New("listing_not_found")
	ErrInvalidStatus = errors.New("invalid_listing_status")
)

type Listing struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	SellerID    snowflake.ID   `json:"seller_id" gorm:"not null;index"`
	Title       string         `json:"title" gorm:"type:text;not null"`
	Slug        string         `json:"slug" gorm:"type:text;not null;uniqueIndex:ux_listings_slug"`
	Description string         `json:"description" gorm:"type:text"`
	PriceCents  int64          `json:"price_cents" gorm:"not null"`
	Currency    string         `json:"currency" gorm:"type:text;not null"`
	Sizes       pq.StringArray `json:"sizes" gorm:"type:text[]"`
	Tags        pq.StringArray `json:"tags" gorm:"type:text[]"`
	Status      ListingStatus  `json:"status" gorm:"type:text;not null;default:available"`
	Quantity    int            `json:"quantity" gorm:"not null;default:1"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time      `json:"updated_at" gorm:"not null"`
}

func (Listing) TableName() string { return "listings" }

// MakeSlug derives the URL slug from a listing title and id. The id suffix
// keeps slugs unique across same-titled listings.
func MakeSlug(title string, id snowflake.ID) string {
	return fmt.Sprintf("%s-%s", slug.Make(title), id.String())
}
