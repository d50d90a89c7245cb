package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mmuslimabdulj/shipper-chat/internal/ai"
	"github.com/mmuslimabdulj/shipper-chat/internal/auth"
	"github.com/mmuslimabdulj/shipper-chat/internal/config"
	httpHandler "github.com/mmuslimabdulj/shipper-chat/internal/delivery/http"
	"github.com/mmuslimabdulj/shipper-chat/internal/delivery/ws"
	"github.com/mmuslimabdulj/shipper-chat/internal/middleware"
	"github.com/mmuslimabdulj/shipper-chat/internal/store"
)

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func main() {
	// Load .env file (ignore error if not exists, e.g. in production)
	_ = godotenv.Load()

	cfg := config.LoadFromEnv()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set; every connection will be rejected")
	}

	db, err := store.Open(cfg.DatabasePath, cfg.AIUserEmail)
	if err != nil {
		logger.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.AuthCookieName, cfg.TokenTTL)
	replier := ai.New(cfg.OpenAIKey, cfg.OpenAIModel, "")
	gateway := ws.NewGateway(db, replier, logger)
	handler := httpHandler.NewHandler(gateway, db, tokens, cfg, logger)

	apiLimiter := middleware.NewIPRateLimiter(cfg.RateLimitAPI, 20)
	wsLimiter := middleware.NewIPRateLimiter(cfg.RateLimitWS, 10)
	strictLimiter := middleware.NewIPRateLimiter(cfg.RateLimitStrict, 5)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handler.HandleHealthz)
	mux.HandleFunc("GET /ws", middleware.RateLimitFunc(wsLimiter, handler.HandleWebSocket))
	mux.HandleFunc("GET /api/online-users", middleware.RateLimitFunc(apiLimiter, handler.HandleOnlineUsers))

	// Auth (stricter limits: credential endpoints attract brute force)
	mux.HandleFunc("POST /api/auth/register", middleware.RateLimitFunc(strictLimiter, handler.HandleRegister))
	mux.HandleFunc("POST /api/auth/login", middleware.RateLimitFunc(strictLimiter, handler.HandleLogin))
	mux.HandleFunc("POST /api/auth/logout", middleware.RateLimitFunc(apiLimiter, handler.HandleLogout))

	// Protected REST
	requireAuth := func(next http.HandlerFunc) http.HandlerFunc {
		return middleware.RateLimitFunc(apiLimiter, middleware.RequireAuth(tokens, next))
	}
	mux.HandleFunc("GET /api/users", requireAuth(handler.HandleUsers))
	mux.HandleFunc("GET /api/users/{userId}", requireAuth(handler.HandleUserByID))
	mux.HandleFunc("GET /api/me", requireAuth(handler.HandleMe))
	mux.HandleFunc("POST /api/chat/session", requireAuth(handler.HandleCreateSession))
	mux.HandleFunc("GET /api/chat/sessions", requireAuth(handler.HandleSessions))
	mux.HandleFunc("POST /api/chat/ai-session", requireAuth(handler.HandleAISession))
	mux.HandleFunc("GET /api/chat/session/{sessionId}/bootstrap", requireAuth(handler.HandleSessionBootstrap))

	// Apply security headers middleware to all requests
	securedHandler := middleware.SecurityHeaders(mux)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      securedHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("shipper-chat listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited gracefully")
}
