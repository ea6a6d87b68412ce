// A paid resource server: chi routes gated by the x402 payment
// middleware, delegating verification and settlement to a facilitator.
//
// Exact routes settle at response commit. The upto route accrues charges
// against a local session store; the sweeper settles idle sessions in the
// background through the facilitator client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	x402http "github.com/x402kit/facilitator/http"
	"github.com/x402kit/facilitator/upto"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// No .env file is fine, the environment may be set directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	port := os.Getenv("PORT")
	if port == "" {
		port = "4021"
	}
	payTo := os.Getenv("PAY_TO_ADDRESS")
	if payTo == "" {
		return errors.New("PAY_TO_ADDRESS is required")
	}
	facilitatorURL := os.Getenv("FACILITATOR_URL")
	if facilitatorURL == "" {
		facilitatorURL = "http://localhost:8090"
	}

	client, err := x402http.NewFacilitatorClient(x402http.ClientConfig{
		BaseURL:     facilitatorURL,
		BearerToken: os.Getenv("FACILITATOR_BEARER_TOKEN"),
	})
	if err != nil {
		return fmt.Errorf("building facilitator client: %w", err)
	}

	// Upto sessions live in this process. The tracker accrues per-request
	// charges synchronously, the sweeper settles them later.
	sessions := upto.NewMemoryStore()
	tracker := upto.NewTracker(sessions, upto.TrackerConfig{})
	settler := upto.NewSettler(sessions, client, upto.SettlerConfig{Logger: logger})
	sweeper := upto.NewSweeper(sessions, settler, upto.SweeperConfig{Logger: logger})
	sweeper.Start()
	defer sweeper.Stop()

	usdcBaseSepolia := "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	routes := x402http.RouteTable{
		"GET /premium/report": {
			Scheme:  "exact",
			Network: "eip155:84532",
			Asset:   usdcBaseSepolia,
			Amount:  "10000", // 0.01 USDC
			PayTo:   payTo,
		},
		"GET /stream/[id]": {
			Scheme:      "upto",
			Network:     "eip155:84532",
			Asset:       usdcBaseSepolia,
			Amount:      "1000", // 0.001 USDC per chunk
			PayTo:       payTo,
			Description: "Metered stream access, charged per chunk",
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(x402http.PaymentMiddleware(x402http.MiddlewareConfig{
		Routes:      routes,
		Facilitator: client,
		UptoTracker: tracker,
		Logger:      logger,
	}))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"paid_routes":["GET /premium/report","GET /stream/{id}"]}`)
	})
	r.Get("/premium/report", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"report":"quarterly figures","generated_at":%q}`, time.Now().UTC().Format(time.RFC3339))
	})
	r.Get("/stream/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"chunk":%q}`, chi.URLParam(req, "id"))
	})

	httpServer := &http.Server{Addr: ":" + port, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("resource server listening", "addr", httpServer.Addr, "facilitator", facilitatorURL)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
