package listing

import (
	"github.com/stitchmarket/stitchmarket/internal/listing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("listing.service",
	fx.Provide(service.NewService),
)
