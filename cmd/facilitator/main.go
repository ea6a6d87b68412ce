// The facilitator server: verifies and settles x402 payments over HTTP.
//
// Configuration is environment-driven. Signers are built for every chain
// family that has a private key configured; networks without a resolvable
// RPC endpoint are skipped with a warning.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/x402kit/facilitator"
	"github.com/x402kit/facilitator/factory"
	x402http "github.com/x402kit/facilitator/http"
	evm "github.com/x402kit/facilitator/mechanisms/evm"
	starknetmech "github.com/x402kit/facilitator/mechanisms/starknet"
	svm "github.com/x402kit/facilitator/mechanisms/svm"
	evmsigner "github.com/x402kit/facilitator/signers/evm"
	svmsigner "github.com/x402kit/facilitator/signers/svm"
	"github.com/x402kit/facilitator/tracking"
)

const shutdownTimeout = 15 * time.Second

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
		port = "8090"
	}

	tokens := bearerTokens()
	if len(tokens) == 0 {
		return errors.New("BEARER_TOKEN or BEARER_TOKENS is required")
	}

	trackingEngine, closeStore, err := buildTracking(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	config, err := buildFacilitatorConfig(logger)
	if err != nil {
		return err
	}
	if len(config.EvmSigners) == 0 && len(config.SvmSigners) == 0 && len(config.StarknetConfigs) == 0 {
		return errors.New("no signers configured, set EVM_PRIVATE_KEY, SVM_PRIVATE_KEY or STARKNET_PAYMASTER_ENDPOINT")
	}

	engine, err := factory.NewFacilitator(config)
	if err != nil {
		return fmt.Errorf("building facilitator: %w", err)
	}

	server, err := x402http.NewServer(x402http.ServerConfig{
		Engine:          engine,
		Auth:            &x402http.BearerAuthConfig{Tokens: tokens},
		Tracking:        trackingEngine,
		SettlementCache: x402http.NewSettlementCache(x402http.DefaultSettlementCacheTTL),
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	trackingEngine.StartAutoPrune()
	defer func() {
		trackingEngine.StopAutoPrune()
		trackingEngine.Flush()
	}()

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("facilitator listening", "addr", httpServer.Addr)
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

func bearerTokens() []string {
	var tokens []string
	if token := os.Getenv("BEARER_TOKEN"); token != "" {
		tokens = append(tokens, token)
	}
	for _, token := range strings.Split(os.Getenv("BEARER_TOKENS"), ",") {
		if token = strings.TrimSpace(token); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// buildTracking picks the tracking backend: DATABASE_URL enables the SQL
// store, anything else falls back to memory. A broken DATABASE_URL is
// fatal unless the in-memory fallback is explicitly allowed.
func buildTracking(logger *slog.Logger) (*tracking.Engine, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		engine := tracking.NewEngine(tracking.NewMemoryStore(), tracking.EngineConfig{Logger: logger})
		return engine, func() {}, nil
	}

	store, err := tracking.NewSQLStore(dsn)
	if err != nil {
		if os.Getenv("TRACKING_ALLOW_IN_MEMORY_FALLBACK") != "true" {
			return nil, nil, fmt.Errorf("opening tracking database: %w", err)
		}
		logger.Warn("tracking database unavailable, using in-memory store", "error", err)
		engine := tracking.NewEngine(tracking.NewMemoryStore(), tracking.EngineConfig{Logger: logger})
		return engine, func() {}, nil
	}

	engine := tracking.NewEngine(store, tracking.EngineConfig{Logger: logger})
	return engine, func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing tracking store", "error", err)
		}
	}, nil
}

// evmNetworks are the chains the binary knows how to build signers for.
// EVM signers hold one RPC connection each, so every network gets its own
// signer entry.
var evmNetworks = []struct {
	caip2     string
	envSuffix string
}{
	{"eip155:8453", "BASE"},
	{"eip155:84532", "BASE_SEPOLIA"},
}

var svmNetworks = []struct {
	caip2     string
	envSuffix string
}{
	{svm.SolanaMainnetCAIP2, "SOLANA"},
	{svm.SolanaDevnetCAIP2, "SOLANA_DEVNET"},
}

func buildFacilitatorConfig(logger *slog.Logger) (factory.Config, error) {
	var config factory.Config
	config.Logger = logger

	if key := os.Getenv("EVM_PRIVATE_KEY"); key != "" {
		rpcKeys := evmsigner.RPCKeys{
			Alchemy: os.Getenv("ALCHEMY_API_KEY"),
			Infura:  os.Getenv("INFURA_API_KEY"),
		}
		for _, network := range evmNetworks {
			rpcURL, err := evmsigner.ResolveRPCURL(network.caip2, os.Getenv("EVM_RPC_URL_"+network.envSuffix), rpcKeys)
			if err != nil {
				logger.Warn("skipping evm network", "network", network.caip2, "error", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			signer, err := evmsigner.NewSigner(ctx, key, rpcURL)
			cancel()
			if err != nil {
				return config, fmt.Errorf("evm signer for %s: %w", network.caip2, err)
			}
			config.EvmSigners = append(config.EvmSigners, factory.EvmSignerConfig{
				Signer:     signer,
				Networks:   []facilitator.Network{facilitator.Network(network.caip2)},
				Schemes:    []string{evm.SchemeExact, evm.SchemeUpto},
				RegisterV1: true,
			})
		}
	}

	if key := os.Getenv("SVM_PRIVATE_KEY"); key != "" {
		heliusKey := os.Getenv("HELIUS_API_KEY")
		for _, network := range svmNetworks {
			rpcURL, err := svmsigner.ResolveRPCURL(network.caip2, os.Getenv("SVM_RPC_URL_"+network.envSuffix), heliusKey)
			if err != nil {
				logger.Warn("skipping svm network", "network", network.caip2, "error", err)
				continue
			}
			signer, err := svmsigner.NewSigner(key, rpcURL)
			if err != nil {
				return config, fmt.Errorf("svm signer for %s: %w", network.caip2, err)
			}
			config.SvmSigners = append(config.SvmSigners, factory.SvmSignerConfig{
				Signer:     signer,
				Networks:   []facilitator.Network{facilitator.Network(network.caip2)},
				RegisterV1: true,
			})
		}
	}

	if endpoint := os.Getenv("STARKNET_PAYMASTER_ENDPOINT"); endpoint != "" {
		network := os.Getenv("STARKNET_NETWORK")
		if network == "" {
			network = starknetmech.StarknetSepoliaCAIP2
		}
		config.StarknetConfigs = append(config.StarknetConfigs, factory.StarknetConfig{
			Network:           facilitator.Network(network),
			PaymasterEndpoint: endpoint,
			PaymasterAPIKey:   os.Getenv("STARKNET_PAYMASTER_API_KEY"),
			SponsorAddress:    os.Getenv("STARKNET_SPONSOR_ADDRESS"),
		})
	}

	return config, nil
}
