package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Addr              string
	DataDir           string
	StoreKeyHex       string
	SweepEvery        time.Duration
	DefaultListingTTL time.Duration
	MaxListingTTL     time.Duration
	StarterBalance    int64
}

type CLIConfig struct {
	APIBaseURL string
	SID        string
}

func LoadServerFromEnv() (ServerConfig, error) {
	_ = godotenv.Load()

	addr := strings.TrimSpace(os.Getenv("PORT"))
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("TRADEPOST_ADDR", ":8080")
	}

	cfg := ServerConfig{
		Addr:              addr,
		DataDir:           envDefault("TRADEPOST_DATA_DIR", "data"),
		StoreKeyHex:       strings.TrimSpace(os.Getenv("TRADEPOST_STORE_KEY")),
		SweepEvery:        envDurationDefault("TRADEPOST_SWEEP_EVERY", time.Minute),
		DefaultListingTTL: envDurationDefault("TRADEPOST_LISTING_TTL", 24*time.Hour),
		MaxListingTTL:     envDurationDefault("TRADEPOST_LISTING_TTL_MAX", 7*24*time.Hour),
		StarterBalance:    envInt64Default("TRADEPOST_STARTER_BALANCE", 3000),
	}
	if cfg.SweepEvery <= 0 {
		return cfg, fmt.Errorf("TRADEPOST_SWEEP_EVERY must be positive")
	}
	if cfg.StarterBalance < 0 {
		return cfg, fmt.Errorf("TRADEPOST_STARTER_BALANCE must not be negative")
	}
	if _, err := cfg.StoreKey(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// StoreKey decodes TRADEPOST_STORE_KEY. Empty means the store files stay
// plaintext.
func (c ServerConfig) StoreKey() ([]byte, error) {
	if c.StoreKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.StoreKeyHex)
	if err != nil {
		return nil, fmt.Errorf("TRADEPOST_STORE_KEY must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TRADEPOST_STORE_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c ServerConfig) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger.dat")
}

func (c ServerConfig) MarketPath() string {
	return filepath.Join(c.DataDir, "market.dat")
}

func LoadCLIFromEnv() CLIConfig {
	_ = godotenv.Load()
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("TPCTL_API_BASE_URL", "http://localhost:8080"), "/"),
		SID:        strings.TrimSpace(os.Getenv("TPCTL_SID")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt64Default(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
