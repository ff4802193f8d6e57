package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gymhealth_checkout/internal/config"
	"gymhealth_checkout/internal/handlers"
	"gymhealth_checkout/internal/logging"
	authMiddleware "gymhealth_checkout/internal/middleware"
	"gymhealth_checkout/internal/services"
)

const janitorInterval = time.Minute

type app struct {
	checkouts *handlers.CheckoutHandler
	payments  *handlers.PaymentHandler
	packages  *handlers.PackageHandler
	auth      *handlers.AuthHandler
	chat      *handlers.ChatHandler
	health    *handlers.HealthHandler
	sessions  authMiddleware.SessionResolver
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		panic(err)
	}
	log := logging.MustNewLogger("gymhealth-checkout", cfg.Env)
	defer func() { _ = log.Sync() }()

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(cfg.Database.URL, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := services.AutoMigrate(db, log); err != nil {
		log.Fatal("failed to run database migrations", zap.Error(err))
	}

	cache, err := services.NewRedisCache(cfg.Redis.URL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer cache.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(reg)

	gymAPI := services.NewGymAPIService(cfg.GymAPI, log)
	members := services.NewMemberService(gymAPI, cache, cfg.Cache)
	checkouts := services.NewCheckoutService(db, cache, gymAPI, members, metrics, cfg.Checkout, log)
	sessions := services.NewSessionService(gymAPI, cache, cfg.Cache.SessionTTL, log)

	a := app{
		checkouts: handlers.NewCheckoutHandler(checkouts),
		payments:  handlers.NewPaymentHandler(),
		packages:  handlers.NewPackageHandler(members),
		auth:      handlers.NewAuthHandler(sessions),
		health:    handlers.NewHealthHandler(db, cache),
		sessions:  sessions,
	}

	fb, err := services.InitFirebase(ctx, cfg.Firebase)
	if err != nil {
		log.Warn("firebase initialization failed, chat is disabled", zap.Error(err))
	} else {
		defer fb.Close()
		a.chat = handlers.NewChatHandler(services.NewChatService(fb, log), log)
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = authMiddleware.JSONErrorHandler(log)
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(log))
	registerRoutes(e, a)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	go checkouts.RunJanitor(ctx, janitorInterval)

	go func() {
		log.Info("server starting", zap.String("port", cfg.Port))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	checkouts.Shutdown()
	log.Info("server stopped")
}

func registerRoutes(e *echo.Echo, a app) {
	e.GET("/healthz", a.health.Health)

	api := e.Group("/api/v1")

	// Public routes
	api.GET("/packages", a.packages.ListPackages)
	api.GET("/payment-methods", a.payments.ListMethods)
	api.GET("/payment-codes", a.payments.ListCodes)
	api.GET("/payment-codes/:code", a.payments.GetCode)
	api.POST("/payment-methods/validate", a.payments.Validate)
	api.POST("/auth/logout", a.auth.HandleLogout)

	// Protected routes
	protected := api.Group("")
	protected.Use(authMiddleware.RequireAuth(a.sessions))
	protected.GET("/auth/session", a.auth.CurrentSession)
	protected.GET("/subscriptions/active", a.packages.ActiveSubscription)
	protected.GET("/subscriptions/history", a.packages.SubscriptionHistory)

	// Checkout routes
	protected.POST("/checkouts", a.checkouts.StartCheckout)
	protected.GET("/checkouts", a.checkouts.ListCheckouts)
	protected.GET("/checkouts/:id", a.checkouts.GetCheckout)
	protected.GET("/checkouts/:id/events", a.checkouts.ListEvents)
	protected.POST("/checkouts/:id/navigations", a.checkouts.Navigate)
	protected.POST("/checkouts/:id/load-error", a.checkouts.ReportLoadError)
	protected.POST("/checkouts/:id/reload", a.checkouts.Reload)
	protected.POST("/checkouts/:id/cancel", a.checkouts.Cancel)
	protected.POST("/checkouts/:id/handoff-failure", a.checkouts.ReportHandoffFailure)
	protected.DELETE("/checkouts/:id", a.checkouts.CloseCheckout)

	// Chat routes
	if a.chat != nil {
		protected.POST("/chat/token", a.chat.IssueToken)
		protected.POST("/chat/messages", a.chat.SendMessage)
		protected.GET("/chat/conversations/:peer", a.chat.Conversation)
		protected.GET("/chat/conversations/:peer/stream", a.chat.Stream)
	}
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			log.Info("request", fields...)
			return nil
		},
	})
}
