package seed

import (
	"github.com/bwmarrin/snowflake"
	"github.com/stitchmarket/stitchmarket/internal/clock"
	"github.com/stitchmarket/stitchmarket/internal/config"
	listingdomain "github.com/stitchmarket/stitchmarket/internal/listing/domain"
	orderdomain "github.com/stitchmarket/stitchmarket/internal/order/domain"
	paymentdomain "github.com/stitchmarket/stitchmarket/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("seed",
	fx.Invoke(Run),
)

// Run inserts a small demo dataset for local development: one listing with a
// pending order and payment, ready to receive a webhook. It refuses to run in
// production and skips entirely when listings already exist.
func Run(cfg config.Config, gdb *gorm.DB, genID *snowflake.Node, clk clock.Clock, log *zap.Logger) error {
	if !cfg.SeedDemoData || cfg.Environment == "production" {
		return nil
	}

	var count int64
	if err := gdb.Model(&listingdomain.Listing{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := clk.Now()
	sellerID := genID.Generate()
	buyerID := genID.Generate()

	listing := listingdomain.Listing{
		ID:          genID.Generate(),
		SellerID:    sellerID,
		Title:       "Vintage Denim Jacket",
		Description: "Light wash, oversized fit, 90s era.",
		PriceCents:  8500,
		Currency:    "USD",
		Sizes:       []string{"M", "L"},
		Tags:        []string{"vintage", "denim", "outerwear"},
		Status:      listingdomain.StatusHeld,
		Quantity:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	listing.Slug = listingdomain.MakeSlug(listing.Title, listing.ID)

	order := orderdomain.Order{
		ID:          genID.Generate(),
		BuyerID:     buyerID,
		SellerID:    sellerID,
		ListingID:   listing.ID,
		AmountCents: listing.PriceCents,
		Currency:    listing.Currency,
		Status:      orderdomain.StatusPending,
		PlacedAt:    now,
		UpdatedAt:   now,
	}

	payment := paymentdomain.PaymentRecord{
		ID:             genID.Generate(),
		TransactionRef: "tx_demo_0001",
		Status:         paymentdomain.StatusPending,
		AmountCents:    order.AmountCents,
		Currency:       order.Currency,
		OrderID:        &order.ID,
		ListingID:      &listing.ID,
		BuyerID:        &buyerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&listing).Error; err != nil {
			return err
		}
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		return tx.Create(&payment).Error
	})
	if err != nil {
		return err
	}

	log.Info("demo data seeded",
		zap.String("listing_slug", listing.Slug),
		zap.String("transaction_ref", payment.TransactionRef),
	)
	return nil
}
