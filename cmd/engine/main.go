package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/riskcore/engine/internal/apperr"
	"github.com/riskcore/engine/internal/config"
	"github.com/riskcore/engine/internal/engine"
	"github.com/riskcore/engine/internal/logging"
	"github.com/riskcore/engine/internal/metrics"
	"github.com/riskcore/engine/internal/store"
	"github.com/riskcore/engine/internal/ws"
)

// bearerToken extracts an admin token from a query parameter or an
// "Authorization: Bearer <token>" header, matching the convention
// ws.ServeWs uses for its own admin gate.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	return ""
}

// writeAdminError maps an engine error to an HTTP status: unauthorized
// admin tokens get 401, everything else is a 400.
func writeAdminError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if apperr.Is(err, apperr.KindUnauthorized) {
		status = http.StatusUnauthorized
	}
	http.Error(w, err.Error(), status)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New("engine")
	level := logging.INFO
	switch cfg.LogLevel {
	case "debug":
		level = logging.DEBUG
	case "warn":
		level = logging.WARN
	case "error":
		level = logging.ERROR
	}
	logger.SetLevel(level)

	gateway, err := store.Open(store.PostgresConfig{
		DSN:             cfg.Postgres.DSN,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to postgres", logging.F{"error": err.Error()})
		os.Exit(1)
	}
	defer gateway.Close()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	hub := ws.NewHub([]byte(cfg.Admin.JWTSecret), logger)
	go hub.Run()

	eng := engine.New(cfg, gateway, logger, hub)
	eng.SetSLTPRedis(redisClient)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Recovery)
	report, err := eng.Initialize(ctx)
	cancel()
	if err != nil {
		logger.Error("engine initialization failed", logging.F{"error": err.Error()})
		os.Exit(1)
	}
	if report != nil && !report.OK() {
		logger.Warn("startup integrity audit found violations", logging.F{"count": len(report.Violations)})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/admin/liquidate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		accountID := r.URL.Query().Get("accountId")
		token := bearerToken(r)
		result, err := eng.TriggerLiquidation(r.Context(), token, accountID)
		if err != nil {
			writeAdminError(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(result)
	})
	mux.HandleFunc("/admin/operations/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		operationID := r.URL.Query().Get("operationId")
		token := bearerToken(r)
		cancelled, err := eng.CancelOperationAdmin(token, operationID)
		if err != nil {
			writeAdminError(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
	})

	server := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		logger.Info("http server listening", logging.F{"addr": cfg.Metrics.ListenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", logging.F{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", logging.F{"error": err.Error()})
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown error", logging.F{"error": err.Error()})
	}
	logger.Info("shutdown complete", nil)
}
