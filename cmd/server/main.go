package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"Seshat/internal/auth"
	"Seshat/internal/chat"
	"Seshat/internal/config"
	"Seshat/internal/handlers"
	"Seshat/internal/storage"
	"Seshat/internal/websocket"
)

var serverLogger = slog.With("component", "server")

func main() {
	// Загружаем переменные окружения из .env
	if err := godotenv.Load(); err != nil {
		serverLogger.Warn("File .env not found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		serverLogger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	serverLogger.Info("Starting Seshat Chat Server", "addr", cfg.Addr)

	store, err := storage.NewStorage(cfg.DBConn)
	if err != nil {
		serverLogger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	serverLogger.Info("Database connection established")

	if err := store.InitSchema(context.Background()); err != nil {
		serverLogger.Error("Failed to initialize schema", "error", err)
		os.Exit(1)
	}

	service := chat.NewService(store)
	hub := websocket.NewHub()
	authn := auth.NewAuthenticator(cfg.JWTSecret)

	chatHandler := handlers.NewChatHandler(hub, service, authn, handlers.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
	})

	mux := http.NewServeMux()
	chatHandler.Routes(mux)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		serverLogger.Info("HTTP server is listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverLogger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	serverLogger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		serverLogger.Error("Server shutdown failed", "error", err)
		os.Exit(1)
	}

	serverLogger.Info("Server stopped")
}
