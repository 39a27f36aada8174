package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/rcnfinance/rcn-network-sub002/crypto"
)

const (
	defaultLendingToken   = "RCN"
	defaultEffortMillis   = 250
	defaultToMarketSecs   = 600
	defaultAuctionSecs    = 86_400
	maxCombinedFeeBps     = 2_000
	defaultBurnFeeBps     = 100
	defaultRewardFeeBps   = 100
	defaultDataDirName    = "rcnsettled-data"
	defaultConfigFileMode = 0o644
)

// Config holds the node settings for the settlement daemon.
type Config struct {
	DataDir                string `toml:"DataDir"`
	LendingToken           string `toml:"LendingToken"`
	EffortBudgetMillis     int64  `toml:"EffortBudgetMillis"`
	AuctionToMarketSeconds int64  `toml:"AuctionToMarketSeconds"`
	AuctionWindowSeconds   int64  `toml:"AuctionWindowSeconds"`
	BurnFeeBps             uint64 `toml:"BurnFeeBps"`
	RewardFeeBps           uint64 `toml:"RewardFeeBps"`
	BurnAddress            string `toml:"BurnAddress"`
}

// Load reads the configuration from path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(path string) {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = filepath.Join(filepath.Dir(path), defaultDataDirName)
	}
	if strings.TrimSpace(c.LendingToken) == "" {
		c.LendingToken = defaultLendingToken
	}
	if c.EffortBudgetMillis <= 0 {
		c.EffortBudgetMillis = defaultEffortMillis
	}
	if c.AuctionToMarketSeconds <= 0 {
		c.AuctionToMarketSeconds = defaultToMarketSecs
	}
	if c.AuctionWindowSeconds <= 0 {
		c.AuctionWindowSeconds = defaultAuctionSecs
	}
}

// Validate rejects settings the engines cannot run under.
func (c *Config) Validate() error {
	if c.AuctionToMarketSeconds >= c.AuctionWindowSeconds {
		return fmt.Errorf("config: AuctionToMarketSeconds (%d) must be below AuctionWindowSeconds (%d)",
			c.AuctionToMarketSeconds, c.AuctionWindowSeconds)
	}
	if c.BurnFeeBps+c.RewardFeeBps > maxCombinedFeeBps {
		return fmt.Errorf("config: combined liquidation fees %d bps exceed the %d bps cap",
			c.BurnFeeBps+c.RewardFeeBps, maxCombinedFeeBps)
	}
	if strings.TrimSpace(c.BurnAddress) != "" {
		if _, err := crypto.DecodeAddress(c.BurnAddress); err != nil {
			return fmt.Errorf("config: BurnAddress: %w", err)
		}
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		LendingToken:           defaultLendingToken,
		EffortBudgetMillis:     defaultEffortMillis,
		AuctionToMarketSeconds: defaultToMarketSecs,
		AuctionWindowSeconds:   defaultAuctionSecs,
		BurnFeeBps:             defaultBurnFeeBps,
		RewardFeeBps:           defaultRewardFeeBps,
	}
	cfg.applyDefaults(path)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultConfigFileMode)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
