// Package config loads gateway process configuration from the
// environment, following the same getEnv helper pattern and
// godotenv layering the rest of the stack uses.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ChainConfig is the immutable per-run configuration for one backend,
// matching the data model's chain config fields.
type ChainConfig struct {
	Name   string `json:"name"`
	Module string `json:"module"`
	Active bool   `json:"active"`

	RPCProtocol string `json:"rpcProtocol"`
	RPCHost     string `json:"rpcHost"`
	RPCPort     int    `json:"rpcPort"`
	RPCPath     string `json:"rpcPath"`
	Username    string `json:"username"`
	Password    string `json:"password"`

	Testnet bool `json:"testnet"`

	BlockRetrievalStart    int64         `json:"blockRetrievalStart"`
	BlockRetrievalEnd      int64         `json:"blockRetrievalEnd"`
	BlockRetrievalRestart  int64         `json:"blockRetrievalRestart"`
	BlockRetrievalInterval time.Duration `json:"blockRetrievalInterval"`
	BlockMaxRetries        int           `json:"blockMaxRetries"`

	TransactionBatchSize int   `json:"transactionBatchSize"`
	TransactionValue     int64 `json:"transactionValue"`
	TransactionFee       int64 `json:"transactionFee"`

	RPCTimeout          time.Duration `json:"rpcTimeout"`
	TraceRawTransaction bool          `json:"traceRawTransaction"`
	CreateAccount       bool          `json:"createAccount"`

	Confirmation ConfirmationConfig `json:"confirmation"`
}

// ConfirmationConfig governs the confirmation tracker for a chain.
type ConfirmationConfig struct {
	Enabled         bool          `json:"enabled"`
	Interval        time.Duration `json:"interval"`
	MaxBlockDepth   int           `json:"maxBlockDepth"`
	UpdateEachBlock bool          `json:"updateEachBlock"`
}

const (
	defaultBlockRetrievalInterval = 60000 * time.Millisecond
	minBlockRetrievalInterval     = 500 * time.Millisecond
	defaultRPCTimeout             = 10000 * time.Millisecond
	minRPCTimeout                 = 500 * time.Millisecond
	defaultTransactionBatchSize   = 128
	defaultTransactionFee         = 4000
	defaultBlockMaxRetries        = 5
	defaultConfirmationInterval   = 10000 * time.Millisecond
	defaultConfirmationDepth      = 8
)

// clampDuration enforces a floor, the way the block listener's interval
// and the RPC client's timeout both require.
func clampDuration(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}

// applyDefaults fills zero-valued fields with the spec's stated
// defaults and clamps the floor-bounded ones.
func (c *ChainConfig) applyDefaults() {
	if c.BlockRetrievalInterval == 0 {
		c.BlockRetrievalInterval = defaultBlockRetrievalInterval
	}
	c.BlockRetrievalInterval = clampDuration(c.BlockRetrievalInterval, minBlockRetrievalInterval)

	if c.RPCTimeout == 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	c.RPCTimeout = clampDuration(c.RPCTimeout, minRPCTimeout)

	if c.TransactionBatchSize <= 0 {
		c.TransactionBatchSize = defaultTransactionBatchSize
	}
	if c.TransactionFee <= 0 {
		c.TransactionFee = defaultTransactionFee
	}
	if c.BlockMaxRetries <= 0 {
		c.BlockMaxRetries = defaultBlockMaxRetries
	}
	if c.Confirmation.Interval == 0 {
		c.Confirmation.Interval = defaultConfirmationInterval
	}
	if c.Confirmation.MaxBlockDepth <= 0 {
		c.Confirmation.MaxBlockDepth = defaultConfirmationDepth
	}
}

// Validate checks fields required for a chain to be usable once active.
func (c *ChainConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("chain config missing name")
	}
	if c.Module == "" {
		return fmt.Errorf("chain %s: missing module", c.Name)
	}
	if !c.Active {
		return nil
	}
	if c.RPCHost == "" {
		return fmt.Errorf("chain %s: missing rpcHost", c.Name)
	}
	if c.RPCPort <= 0 {
		return fmt.Errorf("chain %s: invalid rpcPort %d", c.Name, c.RPCPort)
	}
	return nil
}

// RPCURL returns the node URL with scheme coercion (ws/wss -> http/https)
// applied, the way the RPC client's contract requires.
func (c *ChainConfig) RPCURL() string {
	scheme := c.RPCProtocol
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	case "":
		scheme = "http"
	}
	path := c.RPCPath
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.RPCHost, c.RPCPort, path)
}

// Config is the process-wide configuration.
type Config struct {
	Chains      []ChainConfig
	MetricsAddr string
	ZMQEndpoint string
	LogLevel    string
}

// Load reads configuration from the environment, loading a .env file
// first when present, exactly as the teacher stack does via godotenv.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded .env file")
	}

	cfg := &Config{
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		ZMQEndpoint: getEnv("ZMQ_ENDPOINT", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	chains, err := loadChains()
	if err != nil {
		return nil, fmt.Errorf("loading chain configs: %w", err)
	}
	cfg.Chains = chains

	return cfg, nil
}

// loadChains supports either an inline JSON array (CHAINS_CONFIG_JSON)
// or a path to a JSON file (CHAINS_CONFIG_FILE), matching the
// dispatcher's "validates against a schema" requirement.
func loadChains() ([]ChainConfig, error) {
	var raw []byte
	if inline := os.Getenv("CHAINS_CONFIG_JSON"); inline != "" {
		raw = []byte(inline)
	} else if path := os.Getenv("CHAINS_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		raw = data
	} else {
		return nil, nil
	}

	var chains []ChainConfig
	if err := json.Unmarshal(raw, &chains); err != nil {
		return nil, fmt.Errorf("parsing chain config: %w", err)
	}
	for i := range chains {
		chains[i].applyDefaults()
		if err := chains[i].Validate(); err != nil {
			return nil, err
		}
	}
	return chains, nil
}

// MustLoad fails fast on a broken environment, the way the teacher's
// config.Load calls log.Fatalf on validation errors.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
