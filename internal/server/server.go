// Package server wires the escrow services into one HTTP application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-escrow/internal/audit"
	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/compliance"
	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/escrow"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/metrics"
	"github.com/ksred/klear-escrow/internal/payment"
	"github.com/ksred/klear-escrow/internal/trading"
	"github.com/ksred/klear-escrow/pkg/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Server owns the router and the background workers of the service.
type Server struct {
	cfg        *config.Config
	db         *gorm.DB
	router     *gin.Engine
	publisher  events.Publisher
	subscriber *events.KafkaSubscriber
	reconciler *escrow.Reconciler
	redis      *redis.Client

	Auth    *auth.Service
	Trades  *trading.Service
	Escrow  *escrow.Service
	Payment *payment.Service
}

// New builds every service on db. Payment events go through Kafka when
// brokers are configured and through an in-process dispatcher otherwise.
func New(cfg *config.Config, db *gorm.DB) (*Server, error) {
	s := &Server{cfg: cfg, db: db}

	complianceClient, err := compliance.NewHTTPClient(cfg.Compliance)
	if err != nil {
		return nil, fmt.Errorf("failed to create compliance client: %w", err)
	}
	syncer := compliance.NewSyncer(complianceClient, db, cfg.Compliance)

	auditLog := audit.NewService(db)

	s.Auth = auth.NewService(cfg.App)
	s.Trades = trading.NewService(db, auditLog)
	s.Escrow = escrow.NewService(db, s.Trades, syncer, auditLog)
	s.reconciler = escrow.NewReconciler(s.Escrow, syncer, cfg.Reconcile)

	if cfg.Kafka.Enabled() {
		s.publisher = events.NewKafkaPublisher(cfg.Kafka)
		s.subscriber = events.NewKafkaSubscriber(cfg.Kafka)
		log.Info().Strs("brokers", cfg.Kafka.BrokerList()).Msg("payment events routed through kafka")
	} else {
		dispatcher := events.NewDispatcher()
		dispatcher.Subscribe(s.Escrow.HandlePaymentEvent)
		s.publisher = dispatcher
	}

	ledger, err := s.newLedger()
	if err != nil {
		return nil, err
	}
	s.Payment = payment.NewService(db, s.Trades, ledger, s.publisher, auditLog, cfg.Payments)

	s.router = s.setupRouter()
	return s, nil
}

func (s *Server) newLedger() (payment.EventLedger, error) {
	if !s.cfg.Redis.Enabled() {
		return payment.NewGormLedger(s.db, s.cfg.Redis.EventTTL), nil
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Redis.Addr,
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info().Str("addr", s.cfg.Redis.Addr).Msg("webhook event ledger backed by redis")
	return payment.NewRedisLedger(s.redis, s.cfg.Redis.EventTTL), nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the background workers until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.reconciler.Start(ctx)
	if s.subscriber != nil {
		go s.subscriber.Listen(ctx, s.Escrow.HandlePaymentEvent)
	}
}

// Close releases the event transport and external connections.
func (s *Server) Close() error {
	var errs []error
	if err := s.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(metrics.Escrow().Middleware())
	router.Use(middleware.RateLimit())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	setupRoutes(
		router,
		s.cfg.App.JWTSecret,
		auth.NewGinHandlers(s.Auth),
		trading.NewGinHandlers(s.Trades),
		escrow.NewGinHandlers(s.Escrow),
		payment.NewGinHandlers(s.Payment),
	)
	return router
}

// setupRoutes groups endpoints by caller:
//   - auth and webhooks are public; webhooks authenticate by signature
//   - escrow, trade and payment reads need a bearer token
//   - internal routes need a token carrying the internal permission
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	escrowHandlers *escrow.GinHandlers,
	paymentHandlers *payment.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())
		v1.POST("/webhooks/payments", paymentHandlers.WebhookHandler())

		escrowRoutes := v1.Group("/escrow")
		escrowRoutes.Use(middleware.JWTAuth(jwtSecret))
		{
			escrowRoutes.POST("", escrowHandlers.InitiateEscrowHandler())
			escrowRoutes.GET("/:tradeId", escrowHandlers.GetEscrowHandler())
			escrowRoutes.POST("/:tradeId/milestones", escrowHandlers.MarkMilestoneHandler())
			escrowRoutes.POST("/:tradeId/cancel", escrowHandlers.CancelEscrowHandler())
			escrowRoutes.POST("/:tradeId/refund", escrowHandlers.RefundEscrowHandler())
			escrowRoutes.GET("/:tradeId/audit", escrowHandlers.AuditTrailHandler())
		}

		reads := v1.Group("")
		reads.Use(middleware.JWTAuth(jwtSecret))
		{
			reads.GET("/trades/:tradeId", tradingHandlers.GetTradeHandler())
			reads.GET("/payments/:tradeId", paymentHandlers.GetPaymentHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/trades", tradingHandlers.CreateTradeHandler())
			internal.POST("/payments", paymentHandlers.RegisterPaymentHandler())
		}
	}
}
