package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration persisted to disk in TOML.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`

	// HubSiteID identifies this hub in cross-chain envelopes.
	HubSiteID uint64 `toml:"HubSiteID"`
	// ModuleAddress is the bech32 address the hub signs outbound messages
	// with.
	ModuleAddress string `toml:"ModuleAddress"`

	// VaultRegistryPath points at the YAML registry of authorized satellite
	// vaults and collateral assets.
	VaultRegistryPath string `toml:"VaultRegistryPath"`

	// JWTSecretEnv names the environment variable holding the gateway's JWT
	// signing secret.
	JWTSecretEnv string `toml:"JWTSecretEnv"`

	LogFile       string `toml:"LogFile,omitempty"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB,omitempty"`
	LogMaxBackups int    `toml:"LogMaxBackups,omitempty"`

	Lending LendingConfig `toml:"lending"`
	Oracle  OracleConfig  `toml:"oracle"`
	Auction AuctionConfig `toml:"auction"`
	Quota   QuotaConfig   `toml:"quota"`
	Gateway GatewayConfig `toml:"gateway"`
}

// LendingConfig bounds loan origination.
type LendingConfig struct {
	// MinLoanUSD is the smallest loan principal, in whole accounting units.
	MinLoanUSD int64 `toml:"MinLoanUSD"`
	// LoanTermDays sets the repayment horizon.
	LoanTermDays uint64 `toml:"LoanTermDays"`
}

// OracleConfig bounds accepted price data.
type OracleConfig struct {
	MaxPriceAgeSeconds uint64 `toml:"MaxPriceAgeSeconds"`
	MaxConfidenceBps   uint64 `toml:"MaxConfidenceBps"`
}

// AuctionConfig shapes liquidation auctions.
type AuctionConfig struct {
	HealthThresholdBps uint64 `toml:"HealthThresholdBps"`
	DurationSeconds    uint64 `toml:"DurationSeconds"`
	FloorBps           uint64 `toml:"FloorBps"`
}

// QuotaConfig bounds per-address ledger activity per epoch.
type QuotaConfig struct {
	MaxRequestsPerEpoch uint32 `toml:"MaxRequestsPerEpoch"`
	MaxVolumePerEpoch   uint64 `toml:"MaxVolumePerEpoch"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// GatewayConfig bounds HTTP traffic.
type GatewayConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// Load reads the configuration at path, creating a default file on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if c.HubSiteID == 0 {
		return fmt.Errorf("config: HubSiteID must be non-zero")
	}
	if c.Oracle.MaxPriceAgeSeconds == 0 {
		return fmt.Errorf("config: Oracle.MaxPriceAgeSeconds must be non-zero")
	}
	if c.Auction.FloorBps > 10_000 {
		return fmt.Errorf("config: Auction.FloorBps above 10000")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if cfg.Lending.MinLoanUSD == 0 {
		cfg.Lending.MinLoanUSD = 100
	}
	if cfg.Lending.LoanTermDays == 0 {
		cfg.Lending.LoanTermDays = 180
	}
	if cfg.Oracle.MaxConfidenceBps == 0 {
		cfg.Oracle.MaxConfidenceBps = 100
	}
	if cfg.Auction.HealthThresholdBps == 0 {
		cfg.Auction.HealthThresholdBps = 11_000
	}
	if cfg.Auction.DurationSeconds == 0 {
		cfg.Auction.DurationSeconds = 6 * 3600
	}
	if cfg.Auction.FloorBps == 0 {
		cfg.Auction.FloorBps = 7_000
	}
	if cfg.Gateway.RequestsPerSecond == 0 {
		cfg.Gateway.RequestsPerSecond = 50
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = 100
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: "0.0.0.0:8545",
		DataDir:       "./lendhub-data",
		Environment:   "dev",
		HubSiteID:     1,
		JWTSecretEnv:  "LENDHUB_JWT_SECRET",
		Oracle: OracleConfig{
			MaxPriceAgeSeconds: 60,
			MaxConfidenceBps:   100,
		},
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
