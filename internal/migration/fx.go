package migration

import (
	auditdomain "github.com/stitchmarket/stitchmarket/internal/audit/domain"
	"github.com/stitchmarket/stitchmarket/internal/config"
	listingdomain "github.com/stitchmarket/stitchmarket/internal/listing/domain"
	notificationdomain "github.com/stitchmarket/stitchmarket/internal/notification/domain"
	orderdomain "github.com/stitchmarket/stitchmarket/internal/order/domain"
	paymentdomain "github.com/stitchmarket/stitchmarket/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(Run),
)

// Run migrates the schema on startup. Postgres uses the embedded SQL
// migrations; other dialects (local sqlite, mysql) fall back to AutoMigrate.
func Run(cfg config.Config, gdb *gorm.DB, log *zap.Logger) error {
	if cfg.DBType == "postgres" {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		log.Info("schema migrations applied")
		return nil
	}

	if err := gdb.AutoMigrate(
		&listingdomain.Listing{},
		&orderdomain.Order{},
		&orderdomain.Payout{},
		&paymentdomain.PaymentRecord{},
		&paymentdomain.WebhookEvent{},
		&notificationdomain.Notification{},
		&auditdomain.AuditLog{},
	); err != nil {
		return err
	}
	log.Info("schema auto-migrated", zap.String("dialect", cfg.DBType))
	return nil
}
