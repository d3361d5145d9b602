package main

import (
	"context"
	"encoding/json"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"golang.org/x/time/rate"

	"github.com/username/cryptotaxreports/src/app"
	"github.com/username/cryptotaxreports/src/config"
	"github.com/username/cryptotaxreports/src/handlers"
	"github.com/username/cryptotaxreports/src/logger"
)

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("Crypto tax report server starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, config.Cfg)
	if err != nil {
		logger.L.Error("Failed to initialise application", "error", err)
		os.Exit(1)
	}

	go a.Watchdog.Run(ctx)

	logger.L.Info("Configuring routes...")
	reportHandler := handlers.NewReportHandler(a.Reports, a.Generator, a.Watcher, a.Artifacts, a.Tokens, config.Cfg.MaxUploadSizeBytes)

	rootMux := http.NewServeMux()
	apiRouter := http.NewServeMux()
	reportHandler.Register(apiRouter)
	rootMux.Handle("/api/", apiRouter)

	rootMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"message": "Crypto tax report server is running"})
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			logger.L.Warn("Root level path not found", "method", r.Method, "path", r.URL.Path)
			http.NotFound(w, r)
		}
	})

	logger.L.Info("Applying global middleware...")
	limiter := rate.NewLimiter(rate.Limit(config.Cfg.RequestsPerSecond), config.Cfg.RequestBurst)
	finalHandler := handlers.EnableCORS(config.Cfg.AllowedOrigins)(
		handlers.RateLimit(limiter)(
			handlers.RequestLogging(rootMux)))

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.L.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.L.Error("Server shutdown failed", "error", err)
		}
	}()

	logger.L.Info("Server starting", "address", serverAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.L.Error("Failed to start server", "error", err)
		stdlog.Fatalf("Failed to start server: %v", err)
	}

	if err := a.Close(); err != nil {
		logger.L.Error("Failed to close application", "error", err)
	}
	logger.L.Info("Server stopped gracefully.")
}
