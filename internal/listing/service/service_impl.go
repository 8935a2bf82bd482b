package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stitchmarket/stitchmarket/internal/listing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("listing.service"),
	}
}

// MarkSold transitions the listing to sold on the provided handle.
func (s *Service) MarkSold(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	return s.setStatus(ctx, tx, id, domain.StatusSold, at)
}

// Release returns a held listing to the available pool, e.g. after a payment
// failure or refund.
func (s *Service) Release(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	return s.setStatus(ctx, tx, id, domain.StatusAvailable, at)
}

// Hold reserves the listing while checkout is in flight.
func (s *Service) Hold(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	return s.setStatus(ctx, tx, id, domain.StatusHeld, at)
}

func (s *Service) setStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, status domain.ListingStatus, at time.Time) error {
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).
		Model(&domain.Listing{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"updated_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetBySlug loads one listing by its slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (*domain.Listing, error) {
	var item domain.Listing
	err := s.db.WithContext(ctx).
		Where("slug = ?", slug).
		First(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}
