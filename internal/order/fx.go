package order

import (
	"github.com/stitchmarket/stitchmarket/internal/order/service"
	paymentdomain "github.com/stitchmarket/stitchmarket/internal/payment/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("order.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) paymentdomain.FulfillmentService { return s }),
)
