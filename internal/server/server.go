// Package server exposes the marketplace HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/mercat/internal/config"
	invoicedomain "github.com/smallbiznis/mercat/internal/invoice/domain"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	usagedomain "github.com/smallbiznis/mercat/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Server struct {
	cfg config.Config
	db  *gorm.DB
	log *zap.Logger

	orderSvc    orderdomain.Service
	offeringSvc offeringdomain.Service
	invoiceSvc  invoicedomain.Service
	usageSvc    usagedomain.Service
}

type ServerParam struct {
	fx.In

	Config      config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	OrderSvc    orderdomain.Service
	OfferingSvc offeringdomain.Service
	InvoiceSvc  invoicedomain.Service
	UsageSvc    usagedomain.Service
}

func NewServer(p ServerParam) *Server {
	return &Server{
		cfg: p.Config,
		db:  p.DB,
		log: p.Log.Named("server"),

		orderSvc:    p.OrderSvc,
		offeringSvc: p.OfferingSvc,
		invoiceSvc:  p.InvoiceSvc,
		usageSvc:    p.UsageSvc,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/healthz", s.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.POST("/offerings", s.CreateOffering)
		api.GET("/offerings", s.ListOfferings)
		api.GET("/offerings/:id", s.GetOffering)
		api.POST("/offerings/:id/plans", s.AddPlan)
		api.POST("/offerings/:id/activate", s.ActivateOffering)
		api.POST("/offerings/:id/pause", s.PauseOffering)
		api.POST("/offerings/:id/archive", s.ArchiveOffering)

		api.POST("/orders", s.SubmitOrder)
		api.GET("/orders", s.ListOrders)
		api.GET("/orders/:id", s.GetOrder)
		api.POST("/orders/:id/approve", s.ApproveOrder)
		api.POST("/orders/:id/reject", s.RejectOrder)
		api.POST("/orders/:id/cancel", s.CancelOrder)
		api.POST("/orders/:id/execute", s.ExecuteOrder)

		api.POST("/order-items/:id/complete", s.CompleteOrderItem)
		api.POST("/order-items/:id/fail", s.FailOrderItem)

		api.GET("/resources/:id", s.GetResource)
		api.GET("/resources", s.ListResources)

		api.GET("/invoices", s.ListInvoices)
		api.GET("/invoices/:id", s.GetInvoice)
		api.POST("/invoices/:id/mark-paid", s.MarkInvoicePaid)
		api.POST("/invoices/:id/cancel", s.CancelInvoice)

		api.POST("/usage", s.ReportUsage)
	}
	return router
}

// Health reports liveness, including database reachability.
func (s *Server) Health(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var Module = fx.Module("server",
	fx.Provide(NewServer),
	fx.Invoke(registerHTTPServer),
)

func registerHTTPServer(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	httpServer := &http.Server{
		Addr:         s.cfg.HTTP.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", s.cfg.HTTP.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	})
}
