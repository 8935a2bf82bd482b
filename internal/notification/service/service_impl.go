package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/stitchmarket/stitchmarket/internal/notification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) domain.Notifier {
	return &Service{
		log:   p.Log.Named("notification.service"),
		genID: p.GenID,
	}
}

// Notify writes a notification row on the provided handle. The handle may be
// a transaction so that notifications for rolled-back work disappear with it.
func (s *Service) Notify(ctx context.Context, tx *gorm.DB, userID snowflake.ID, kind, title, body string, metadata map[string]any) {
	if tx == nil || userID == 0 {
		return
	}

	row := domain.Notification{
		ID:       s.genID.Generate(),
		UserID:   userID,
		Kind:     strings.TrimSpace(kind),
		Title:    strings.TrimSpace(title),
		Body:     body,
		Metadata: datatypes.JSONMap(metadata),
	}

	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		s.log.Warn("notification write failed",
			zap.String("kind", row.Kind),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}
