package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"tutorpay/internal/audit"
	"tutorpay/internal/booking"
	"tutorpay/internal/config"
	"tutorpay/internal/pack"
	"tutorpay/internal/wallet"
)

type Server struct {
	router *gin.Engine
	http   *http.Server
	db     *sqlx.DB
	config *config.Config
}

type Handlers struct {
	Wallet  *wallet.Handler
	Booking *booking.Handler
	Pack    *pack.Handler
	Audit   *audit.Handler
}

func New(db *sqlx.DB, cfg *config.Config, h Handlers) *Server {
	router := gin.Default()
	router.Use(corsMiddleware())
	router.Use(RequestLoggingMiddleware())
	router.Use(MetricsMiddleware())

	router.GET("/health", Health)
	router.GET("/metrics", Metrics())

	writeLimit := RateLimitMiddleware(10, 20)

	wallets := router.Group("/wallets")
	{
		wallets.GET("/:userID", h.Wallet.GetBalance)
		wallets.GET("/:userID/transactions", h.Wallet.ListTransactions)
		wallets.POST("/:userID/deposits", writeLimit, h.Wallet.Deposit)
		wallets.POST("/:userID/withdrawals", writeLimit, h.Wallet.RequestWithdrawal)
	}

	bookings := router.Group("/bookings")
	{
		bookings.POST("", writeLimit, h.Booking.Create)
		bookings.GET("", h.Booking.List)
		bookings.GET("/:id", h.Booking.Get)
		bookings.GET("/:id/cancel-estimate", h.Booking.CancelEstimate)
		bookings.POST("/:id/approve", writeLimit, h.Booking.Approve)
		bookings.POST("/:id/reject", writeLimit, h.Booking.Reject)
		bookings.POST("/:id/pay", writeLimit, h.Booking.Pay)
		bookings.POST("/:id/cancel", writeLimit, h.Booking.Cancel)
		bookings.POST("/:id/delivered", writeLimit, h.Booking.MarkDelivered)
		bookings.POST("/:id/confirm", writeLimit, h.Booking.Confirm)
		bookings.POST("/:id/dispute", writeLimit, h.Booking.Dispute)
	}

	packages := router.Group("/packages")
	{
		packages.GET("/:id", h.Pack.GetPackage)
	}

	admin := router.Group("/admin")
	{
		admin.GET("/packages/flagged", h.Pack.ListFlagged)
		admin.POST("/transactions/:id/process", h.Wallet.ProcessTransaction)
		admin.POST("/audit/run", h.Audit.Run)
		admin.GET("/audit", h.Audit.List)
		admin.GET("/audit/:id", h.Audit.Get)
		admin.POST("/audit/:id/resolve", h.Audit.Resolve)
	}

	return &Server{
		router: router,
		db:     db,
		config: cfg,
	}
}

func (s *Server) Start(port string) error {
	s.http = &http.Server{
		Addr:    ":" + port,
		Handler: s.router,
	}
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Router exposes the gin engine for handler tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
