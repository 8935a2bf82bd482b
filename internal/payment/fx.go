package payment

import (
	"github.com/stitchmarket/stitchmarket/internal/payment/repository"
	"github.com/stitchmarket/stitchmarket/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
