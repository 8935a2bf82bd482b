package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stitchmarket/stitchmarket/internal/audit"
	"github.com/stitchmarket/stitchmarket/internal/config"
	"github.com/stitchmarket/stitchmarket/internal/events"
	"github.com/stitchmarket/stitchmarket/internal/listing"
	listingservice "github.com/stitchmarket/stitchmarket/internal/listing/service"
	"github.com/stitchmarket/stitchmarket/internal/notification"
	"github.com/stitchmarket/stitchmarket/internal/observability"
	obsmiddleware "github.com/stitchmarket/stitchmarket/internal/observability/logger"
	obstracing "github.com/stitchmarket/stitchmarket/internal/observability/tracing"
	"github.com/stitchmarket/stitchmarket/internal/order"
	"github.com/stitchmarket/stitchmarket/internal/payment"
	paymentdomain "github.com/stitchmarket/stitchmarket/internal/payment/domain"
	"github.com/stitchmarket/stitchmarket/internal/payout"
	"github.com/stitchmarket/stitchmarket/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	events.Module,
	audit.Module,
	notification.Module,
	listing.Module,
	order.Module,
	payment.Module,
	payout.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug: obsCfg.Debug(),
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger, shutdowner fx.Shutdowner) {
	srv := &http.Server{
		Addr:    net.JoinHostPort("", cfg.HTTPPort),
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					// Request an orderly fx shutdown so OnStop hooks
					// (db, tracing) still run.
					log.Error("http server failed", zap.Error(err))
					if err := shutdowner.Shutdown(); err != nil {
						log.Error("shutdown request failed", zap.Error(err))
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	paymentSvc  paymentdomain.Service
	listingSvc  *listingservice.Service
	broadcaster *payout.Broadcaster
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	PaymentSvc  paymentdomain.Service
	ListingSvc  *listingservice.Service
	Broadcaster *payout.Broadcaster
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		paymentSvc:  p.PaymentSvc,
		listingSvc:  p.ListingSvc,
		broadcaster: p.Broadcaster,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.POST("/webhooks/tsara", s.HandleTsaraWebhook)
	api.GET("/webhooks/tsara", s.TsaraWebhookLiveness)

	api.GET("/payments/:ref", s.GetPaymentByRef)
	api.GET("/webhook-events", s.ListWebhookEvents)
	api.GET("/listings/:slug", s.GetListingBySlug)

	s.engine.GET("/ws/payouts", s.broadcaster.HandleWS)
}
