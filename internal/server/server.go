package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-finance/internal/auth"
	"github.com/ksred/klear-finance/internal/config"
	"github.com/ksred/klear-finance/internal/oracle"
	"github.com/ksred/klear-finance/internal/portfolio"
	"github.com/ksred/klear-finance/internal/session"
	"github.com/ksred/klear-finance/internal/trading"
	"github.com/ksred/klear-finance/pkg/middleware"
	"gorm.io/gorm"
)

// Server is the HTTP surface of the trading simulator
type Server struct {
	cfg    *config.Config
	router *gin.Engine
	srv    *http.Server

	Auth      *auth.Service
	Trading   *trading.Service
	Portfolio *portfolio.Service
}

// New wires the services onto db and builds the router
func New(cfg *config.Config, db *gorm.DB, o oracle.Oracle, sessions session.Store) (*Server, error) {
	ttl, err := cfg.Auth.TTL()
	if err != nil {
		return nil, fmt.Errorf("auth.token_ttl: %w", err)
	}
	startingCash, err := cfg.Ledger.Cash()
	if err != nil {
		return nil, fmt.Errorf("ledger.starting_cash: %w", err)
	}

	s := &Server{
		cfg: cfg,
		Auth: auth.NewService(db, sessions, auth.Options{
			JWTSecret:    cfg.Auth.JWTSecret,
			TokenTTL:     ttl,
			StartingCash: startingCash,
		}),
		Trading:   trading.NewService(db, o),
		Portfolio: portfolio.NewService(db, o, cfg.Ledger.Currency),
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery(), middleware.RequestLogger(), middleware.NoCache())

	setupRoutes(
		s.router,
		s.Auth,
		auth.NewGinHandlers(s.Auth, cfg.Auth.CookieName),
		trading.NewGinHandlers(s.Trading, cfg.Ledger.Currency),
		portfolio.NewGinHandlers(s.Portfolio),
		cfg.Auth.CookieName,
		cfg.Server.RateLimit,
	)

	s.srv = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the router, for tests and in-process clients
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. It returns nil after a
// graceful shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// setupRoutes configures all endpoints and their handlers.
// Public routes are rate limited per client IP; session routes are
// authenticated first so they are limited per user.
func setupRoutes(
	router *gin.Engine,
	validator middleware.TokenValidator,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	portfolioHandlers *portfolio.GinHandlers,
	cookieName string,
	rateLimit bool,
) {
	public := router.Group("/")
	protected := router.Group("/")
	protected.Use(middleware.SessionAuth(validator, cookieName))
	if rateLimit {
		public.Use(middleware.RateLimit())
		protected.Use(middleware.RateLimit())
	}

	// Auth routes
	{
		public.POST("/register", authHandlers.RegisterHandler())
		public.POST("/login", authHandlers.LoginHandler())
		public.GET("/logout", authHandlers.LogoutHandler())
		public.POST("/logout", authHandlers.LogoutHandler())
	}

	// Session routes
	{
		protected.GET("/", portfolioHandlers.GetPortfolioHandler())
		protected.GET("/history", portfolioHandlers.HistoryHandler())
		protected.POST("/buy", tradingHandlers.BuyHandler())
		protected.GET("/sell", tradingHandlers.HeldSymbolsHandler())
		protected.POST("/sell", tradingHandlers.SellHandler())
		protected.POST("/quote", tradingHandlers.QuoteHandler())
		protected.POST("/compare", tradingHandlers.CompareHandler())
	}
}
