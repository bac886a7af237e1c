package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/pinch-protocol/pinch/internal/auth"
	"github.com/pinch-protocol/pinch/internal/hub"
	"github.com/pinch-protocol/pinch/internal/store"
)

func main() {
	port := os.Getenv("PINCH_RELAY_PORT")
	if port == "" {
		port = "8080"
	}

	relayHost := os.Getenv("PINCH_RELAY_HOST")
	if relayHost == "" {
		relayHost = "localhost"
	}

	dbPath := os.Getenv("PINCH_RELAY_DB")
	if dbPath == "" {
		dbPath = "./pinch-relay.db"
	}

	queueMax := 1000
	if v := os.Getenv("PINCH_RELAY_QUEUE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			queueMax = n
		}
	}

	queueTTLHours := 168 // 7 days
	if v := os.Getenv("PINCH_RELAY_QUEUE_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			queueTTLHours = n
		}
	}

	rateLimit := 1.0 // messages per second (sustained)
	if v := os.Getenv("PINCH_RELAY_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rateLimit = f
		}
	}

	rateBurst := 10
	if v := os.Getenv("PINCH_RELAY_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rateBurst = n
		}
	}

	devMode := os.Getenv("PINCH_RELAY_DEV") == "1"
	if devMode {
		slog.Warn("development mode enabled: WebSocket origin verification disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenDB(dbPath)
	if err != nil {
		slog.Error("failed to open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	blockStore, err := store.NewBlockStore(db)
	if err != nil {
		slog.Error("failed to initialize block store", "error", err)
		os.Exit(1)
	}

	queueTTL := time.Duration(queueTTLHours) * time.Hour
	mq, err := store.NewMessageQueue(db, queueMax, queueTTL)
	if err != nil {
		slog.Error("failed to initialize message queue", "error", err)
		os.Exit(1)
	}
	slog.Info("message queue ready", "maxPerAgent", queueMax, "ttl", queueTTL)
	mq.StartSweep(ctx)

	rl := hub.NewRateLimiter(rate.Limit(rateLimit), rateBurst)
	slog.Info("rate limiter ready", "rate", rateLimit, "burst", rateBurst)

	h := hub.NewHub(blockStore, mq, rl)
	go h.Run(ctx)

	r := chi.NewRouter()
	r.Get("/ws", wsHandler(ctx, h, relayHost, devMode))
	r.Get("/health", healthHandler(h))

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	// Start server in a goroutine so we can listen for shutdown signals.
	go func() {
		slog.Info("relay starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("relay stopped")
}

// wsHandler handles WebSocket upgrade requests. After upgrade, the relay
// performs the Ed25519 challenge-response handshake (internal/auth) and
// only registers the connection in the hub's routing table once that
// handshake succeeds -- an unauthenticated socket is never routable.
func wsHandler(serverCtx context.Context, h *hub.Hub, relayHost string, devMode bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Allow connections from any origin when PINCH_RELAY_DEV=1.
			InsecureSkipVerify: devMode,
		})
		if err != nil {
			slog.Error("websocket accept error", "error", err)
			return
		}

		pubKey, address, err := auth.Authenticate(serverCtx, conn, relayHost, auth.DefaultChallengeTTL, 10*time.Second, nil)
		if err != nil {
			slog.Info("auth failed", "error", err)
			return
		}

		client := hub.NewClient(h, conn, address, pubKey, serverCtx)
		if err := h.Register(client); err != nil {
			slog.Info("registration rejected", "address", address, "error", err)
			_ = conn.Close(websocket.StatusPolicyViolation, "address already connected")
			return
		}

		slog.Info("client authenticated", "address", address)

		go client.ReadPump()
		go client.WritePump()
		go client.HeartbeatLoop()
	}
}

// healthHandler returns the current health status of the relay, including
// the runtime's goroutine count and the number of active connections.
func healthHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]int{
			"goroutines_or_tasks": runtime.NumGoroutine(),
			"connections":         h.ClientCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}
