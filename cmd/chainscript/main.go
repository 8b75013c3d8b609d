// Chainscript executes a randomized transfer/wait script against a
// chain and tracks confirmation of every submitted transfer.
package main

import (
	"context"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gateway-fm/chainscript/internal/account"
	"github.com/gateway-fm/chainscript/internal/chain"
	"github.com/gateway-fm/chainscript/internal/config"
	"github.com/gateway-fm/chainscript/internal/metrics"
	"github.com/gateway-fm/chainscript/internal/rpc"
	"github.com/gateway-fm/chainscript/internal/runner"
	"github.com/gateway-fm/chainscript/internal/script"
	"github.com/gateway-fm/chainscript/internal/storage"
	"github.com/gateway-fm/chainscript/internal/transport"
	"github.com/gateway-fm/chainscript/pkg/types"
)

// healthChecker probes the chain RPC endpoint for readiness checks.
type healthChecker struct {
	client rpc.Client
}

func (h *healthChecker) CheckRPC() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.client.GetBlockNumber(ctx)
	return err
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup logger
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Chain RPC client
	clientCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	clientCfg.Logger = logger
	client := rpc.NewHTTPClient(clientCfg)

	// Signing identity
	var acc *account.Account
	if cfg.PrivateKey != "" {
		acc, err = account.NewAccountFromHex(cfg.PrivateKey)
	} else {
		acc, err = account.LoadTestAccount(cfg.AccountIdx)
	}
	if err != nil {
		logger.Error("failed to load account", "error", err)
		os.Exit(1)
	}
	logger.Info("using account", "address", acc.Address.Hex())

	// Script: load an existing one or generate a fresh one
	var s script.Script
	if cfg.ScriptPath != "" {
		s, err = script.Load(cfg.ScriptPath)
		if err != nil {
			logger.Error("failed to load script", "path", cfg.ScriptPath, "error", err)
			os.Exit(1)
		}
		logger.Info("loaded script", "path", cfg.ScriptPath, "operations", len(s))
	} else {
		seed := cfg.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		rng := rand.New(rand.NewPCG(seed, seed))
		s = script.Generate(rng, cfg.TargetWait)
		logger.Info("generated script",
			"operations", len(s),
			"transfers", s.Transfers(),
			"totalWait", s.TotalWait(),
			"seed", seed,
		)
	}
	if cfg.SavePath != "" {
		if err := s.Save(cfg.SavePath); err != nil {
			logger.Error("failed to save script", "path", cfg.SavePath, "error", err)
			os.Exit(1)
		}
		logger.Info("saved script", "path", cfg.SavePath)
	}

	// Run-history storage
	var store storage.Storage
	if cfg.DatabasePath != "" {
		sqlStore, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			logger.Error("failed to initialize storage", "error", err, "path", cfg.DatabasePath)
			os.Exit(1)
		}
		defer sqlStore.Close()
		store = sqlStore
		logger.Info("initialized storage", "path", cfg.DatabasePath)
	}

	promMetrics := metrics.NewPrometheusMetrics(nil)
	latency := metrics.NewStreamingLatencyStats()

	chainID := big.NewInt(cfg.ChainID)
	factory := func(ctx context.Context) (*chain.Handle, error) {
		return chain.NewHandle(ctx, chain.Config{
			Client:    client,
			Account:   acc,
			ChainID:   chainID,
			GasTipCap: big.NewInt(cfg.GasTipCap),
			GasFeeCap: big.NewInt(cfg.GasFeeCap),
			GasLimit:  cfg.GasLimit,
			Logger:    logger,
		})
	}

	run := runner.NewRun(s, factory, runner.Config{
		ReceiptTimeout: cfg.ReceiptTimeout,
		PollBackoff:    cfg.PollBackoff,
		IdleBackoff:    cfg.IdleBackoff,
		Logger:         logger,
		Metrics:        promMetrics,
		Latency:        latency,
	})

	// Status API
	if cfg.ListenAddr != "" {
		server := transport.NewServer(run, store, &healthChecker{client: client}, logger)
		defer server.Close()

		go func() {
			logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
			if err := http.ListenAndServe(cfg.ListenAddr, server.Handler()); err != nil {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	// Handle interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down...")
		cancel()
	}()

	runID := "run-" + time.Now().UTC().Format("20060102-150405")
	if store != nil {
		record := &storage.RunRecord{
			ID:              runID,
			StartedAt:       time.Now().UTC(),
			ScriptPath:      cfg.ScriptPath,
			Status:          types.StatusRunning,
			OperationsTotal: len(s),
		}
		if err := store.CreateRun(ctx, record); err != nil {
			logger.Warn("failed to record run start", "error", err)
		}
	}

	runErr := run.Start(ctx)

	if store != nil {
		result := run.Result(runID, cfg.ScriptPath, runErr)
		if err := store.CompleteRun(context.Background(), storage.RecordFromResult(result)); err != nil {
			logger.Warn("failed to record run completion", "error", err)
		}
	}

	snapshot := run.Snapshot()
	logger.Info("run finished",
		"id", runID,
		"status", snapshot.Status,
		"transfersSubmitted", snapshot.TransfersSubmitted,
		"waitsCompleted", snapshot.WaitsCompleted,
		"receiptsReceived", snapshot.ReceiptsReceived,
		"receiptTimeouts", snapshot.ReceiptTimeouts,
		"recoveries", snapshot.Recoveries,
	)

	if runErr != nil {
		logger.Error("run failed", "error", runErr)
		os.Exit(1)
	}
}
