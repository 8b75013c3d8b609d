// Package config handles configuration loading and validation.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds chainscript configuration.
type Config struct {
	RPCURL     string
	ChainID    int64
	PrivateKey string // hex-encoded; empty = use a well-known test account
	AccountIdx int    // test account index when PrivateKey is empty

	GasTipCap int64  // EIP-1559 priority fee (tip) in wei
	GasFeeCap int64  // EIP-1559 max fee per gas in wei (0 = auto from chain)
	GasLimit  uint64 // gas limit per transfer

	ScriptPath string        // load an existing script instead of generating one
	SavePath   string        // persist the executed script here (optional)
	TargetWait time.Duration // generator stopping threshold
	Seed       uint64        // generator seed (0 = time-based)

	ReceiptTimeout time.Duration // give up on a receipt after this
	PollBackoff    time.Duration // pause between receipt polls
	IdleBackoff    time.Duration // pause when nothing is pending yet

	ListenAddr   string // status API listen address ("" = disabled)
	DatabasePath string // SQLite run-history path ("" = disabled)
	LogLevel     string // debug, info, warn, error
}

// Defaults
const (
	DefaultRPCURL         = "http://localhost:8545"
	DefaultChainID        = 1337
	DefaultGasTipCap      = 1000000000 // 1 Gwei - priority fee (tip)
	DefaultGasFeeCap      = 0          // 0 = auto-calculate from chain gas price
	DefaultGasLimit       = 21000
	DefaultTargetWait     = 30 * time.Second
	DefaultReceiptTimeout = 90 * time.Second
	DefaultPollBackoff    = time.Second
	DefaultIdleBackoff    = 5 * time.Second
	DefaultListenAddr     = ":3001"
	DefaultDatabasePath   = "./data/chainscript.db"
	DefaultLogLevel       = "info"
)

// Load reads configuration from environment variables and command-line
// flags. Command-line flags take precedence over environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		RPCURL:         DefaultRPCURL,
		ChainID:        DefaultChainID,
		GasTipCap:      DefaultGasTipCap,
		GasFeeCap:      DefaultGasFeeCap,
		GasLimit:       DefaultGasLimit,
		TargetWait:     DefaultTargetWait,
		ReceiptTimeout: DefaultReceiptTimeout,
		PollBackoff:    DefaultPollBackoff,
		IdleBackoff:    DefaultIdleBackoff,
		ListenAddr:     DefaultListenAddr,
		DatabasePath:   DefaultDatabasePath,
		LogLevel:       DefaultLogLevel,
	}

	// Load from environment variables first
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if id, err := parseInt64Env(v); err == nil && id > 0 {
			cfg.ChainID = id
		}
	}
	if v := os.Getenv("PRIVATE_KEY"); v != "" {
		cfg.PrivateKey = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("GAS_TIP_CAP"); v != "" {
		if tip, err := parseInt64Env(v); err == nil && tip > 0 {
			cfg.GasTipCap = tip
		}
	}
	if v := os.Getenv("GAS_FEE_CAP"); v != "" {
		if fee, err := parseInt64Env(v); err == nil && fee >= 0 {
			cfg.GasFeeCap = fee
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// Define command-line flags
	var (
		rpcURL         = flag.String("rpc", cfg.RPCURL, "Chain RPC URL")
		chainID        = flag.Int64("chainid", cfg.ChainID, "Chain ID")
		privateKey     = flag.String("key", cfg.PrivateKey, "Hex-encoded private key (empty = test account)")
		accountIdx     = flag.Int("account", 0, "Test account index when no key is given")
		gasTipCap      = flag.Int64("gastipcap", cfg.GasTipCap, "EIP-1559 priority fee (tip) in wei")
		gasFeeCap      = flag.Int64("gasfeecap", cfg.GasFeeCap, "EIP-1559 max fee per gas in wei (0=auto)")
		gasLimit       = flag.Uint64("gaslimit", cfg.GasLimit, "Gas limit per transfer")
		scriptPath     = flag.String("script", "", "Path to an existing script (empty = generate)")
		savePath       = flag.String("save", "", "Save the executed script to this path")
		targetWait     = flag.Duration("target-wait", cfg.TargetWait, "Generator target cumulative wait")
		seed           = flag.Uint64("seed", 0, "Generator seed (0 = time-based)")
		receiptTimeout = flag.Duration("receipt-timeout", cfg.ReceiptTimeout, "Receipt wait timeout before recovery")
		pollBackoff    = flag.Duration("poll-backoff", cfg.PollBackoff, "Pause between receipt polls")
		idleBackoff    = flag.Duration("idle-backoff", cfg.IdleBackoff, "Pause when the pending queue is empty")
		listenAddr     = flag.String("listen", cfg.ListenAddr, "HTTP listen address (empty = disabled)")
		databasePath   = flag.String("db", cfg.DatabasePath, "SQLite run-history path (empty = disabled)")
		logLevel       = flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	)

	flag.Parse()

	// Apply flags to config
	cfg.RPCURL = *rpcURL
	cfg.ChainID = *chainID
	cfg.PrivateKey = *privateKey
	cfg.AccountIdx = *accountIdx
	cfg.GasTipCap = *gasTipCap
	cfg.GasFeeCap = *gasFeeCap
	cfg.GasLimit = *gasLimit
	cfg.ScriptPath = *scriptPath
	cfg.SavePath = *savePath
	cfg.TargetWait = *targetWait
	cfg.Seed = *seed
	cfg.ReceiptTimeout = *receiptTimeout
	cfg.PollBackoff = *pollBackoff
	cfg.IdleBackoff = *idleBackoff
	cfg.ListenAddr = *listenAddr
	cfg.DatabasePath = *databasePath
	cfg.LogLevel = *logLevel

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("chain ID must be positive")
	}
	if c.AccountIdx < 0 {
		return fmt.Errorf("account index cannot be negative")
	}
	if c.GasTipCap <= 0 {
		return fmt.Errorf("gas tip cap must be positive")
	}
	// GasFeeCap can be 0 (auto-calculate from chain) or positive
	if c.GasFeeCap < 0 {
		return fmt.Errorf("gas fee cap cannot be negative")
	}
	if c.GasLimit == 0 {
		return fmt.Errorf("gas limit must be positive")
	}
	if c.ScriptPath == "" && c.TargetWait <= 0 {
		return fmt.Errorf("target wait must be positive when generating a script")
	}
	if c.ReceiptTimeout <= 0 {
		return fmt.Errorf("receipt timeout must be positive")
	}
	if c.PollBackoff <= 0 || c.IdleBackoff <= 0 {
		return fmt.Errorf("backoffs must be positive")
	}
	return nil
}

// parseInt64Env parses a string environment variable as an int64.
func parseInt64Env(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
