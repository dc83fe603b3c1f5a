// Package config loads runtime configuration from YAML files and
// environment variables. Prices and sizes appear in config as decimal
// strings and are converted to fixed-point on load.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/percolata/percolator/internal/router/portfolio"
	"github.com/percolata/percolator/internal/slab/engine"
	"github.com/percolata/percolator/pkg/fixed"
	"github.com/percolata/percolator/pkg/logger"
)

const envPrefix = "PERCOLATOR"

// InstrumentConfig describes one market to create at startup. Numeric
// fields are decimal strings in natural units.
type InstrumentConfig struct {
	Symbol      string `mapstructure:"symbol"`
	TickSize    string `mapstructure:"tick_size"`
	LotSize     string `mapstructure:"lot_size"`
	InitialMark string `mapstructure:"initial_mark"`
}

// SlabConfig overrides the slab engine defaults.
type SlabConfig struct {
	OrdersCap          int    `mapstructure:"orders_cap"`
	PositionsCap       int    `mapstructure:"positions_cap"`
	ReservationsCap    int    `mapstructure:"reservations_cap"`
	SlicesCap          int    `mapstructure:"slices_cap"`
	AccountsCap        int    `mapstructure:"accounts_cap"`
	IMRBps             uint64 `mapstructure:"imr_bps"`
	MMRBps             uint64 `mapstructure:"mmr_bps"`
	TakerFeeBps        uint64 `mapstructure:"taker_fee_bps"`
	MakerRebateBps     uint64 `mapstructure:"maker_rebate_bps"`
	KillBandBps        uint64 `mapstructure:"kill_band_bps"`
	ARGTaxBps          uint64 `mapstructure:"arg_tax_bps"`
	JITMakerMinAgeMs   int64  `mapstructure:"jit_maker_min_age_ms"`
	DefaultTTLMs       int64  `mapstructure:"default_ttl_ms"`
	FundingIntervalSec int64  `mapstructure:"funding_interval_sec"`
}

// PortfolioConfig overrides the router margin defaults.
type PortfolioConfig struct {
	IMRBps       uint64 `mapstructure:"imr_bps"`
	MMRBps       uint64 `mapstructure:"mmr_bps"`
	MaxExposures int    `mapstructure:"max_exposures"`
}

// LoggingConfig mirrors logger.Options.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Config is the full runtime configuration.
type Config struct {
	Environment     string             `mapstructure:"environment"`
	SettlementAsset string             `mapstructure:"settlement_asset"`
	Logging         LoggingConfig      `mapstructure:"logging"`
	Metrics         MetricsConfig      `mapstructure:"metrics"`
	Slab            SlabConfig         `mapstructure:"slab"`
	Portfolio       PortfolioConfig    `mapstructure:"portfolio"`
	Instruments     []InstrumentConfig `mapstructure:"instruments"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("settlement_asset", "USDC")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	def := engine.DefaultParams()
	v.SetDefault("slab.orders_cap", def.OrdersCap)
	v.SetDefault("slab.positions_cap", def.PositionsCap)
	v.SetDefault("slab.reservations_cap", def.ReservationsCap)
	v.SetDefault("slab.slices_cap", def.SlicesCap)
	v.SetDefault("slab.accounts_cap", def.AccountsCap)
	v.SetDefault("slab.imr_bps", def.IMRBps)
	v.SetDefault("slab.mmr_bps", def.MMRBps)
	v.SetDefault("slab.taker_fee_bps", def.TakerFeeBps)
	v.SetDefault("slab.maker_rebate_bps", def.MakerRebateBps)
	v.SetDefault("slab.kill_band_bps", def.KillBandBps)
	v.SetDefault("slab.arg_tax_bps", def.ARGTaxBps)
	v.SetDefault("slab.jit_maker_min_age_ms", def.JITMakerMinAgeMs)
	v.SetDefault("slab.default_ttl_ms", def.DefaultTTLMs)
	v.SetDefault("slab.funding_interval_sec", def.FundingIntervalSec)

	pdef := portfolio.DefaultParams()
	v.SetDefault("portfolio.imr_bps", pdef.IMRBps)
	v.SetDefault("portfolio.mmr_bps", pdef.MMRBps)
	v.SetDefault("portfolio.max_exposures", pdef.MaxExposures)
}

// Load reads configuration, merging files over defaults and environment
// variables over both. Missing files are skipped.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine would refuse at startup.
func (c *Config) Validate() error {
	if c.SettlementAsset == "" {
		return fmt.Errorf("settlement_asset must be set")
	}
	if c.Slab.MMRBps > c.Slab.IMRBps {
		return fmt.Errorf("slab maintenance margin %d exceeds initial margin %d", c.Slab.MMRBps, c.Slab.IMRBps)
	}
	if c.Portfolio.MMRBps > c.Portfolio.IMRBps {
		return fmt.Errorf("portfolio maintenance margin %d exceeds initial margin %d", c.Portfolio.MMRBps, c.Portfolio.IMRBps)
	}
	for _, in := range c.Instruments {
		if in.Symbol == "" {
			return fmt.Errorf("instrument with empty symbol")
		}
		for name, val := range map[string]string{
			"tick_size": in.TickSize, "lot_size": in.LotSize, "initial_mark": in.InitialMark,
		} {
			if _, err := parseFixed(val); err != nil {
				return fmt.Errorf("instrument %s: bad %s %q: %w", in.Symbol, name, val, err)
			}
		}
	}
	return nil
}

// SlabParams converts the slab section to engine parameters.
func (c *Config) SlabParams() engine.Params {
	p := engine.DefaultParams()
	p.OrdersCap = c.Slab.OrdersCap
	p.PositionsCap = c.Slab.PositionsCap
	p.ReservationsCap = c.Slab.ReservationsCap
	p.SlicesCap = c.Slab.SlicesCap
	p.AccountsCap = c.Slab.AccountsCap
	p.IMRBps = c.Slab.IMRBps
	p.MMRBps = c.Slab.MMRBps
	p.TakerFeeBps = c.Slab.TakerFeeBps
	p.MakerRebateBps = c.Slab.MakerRebateBps
	p.KillBandBps = c.Slab.KillBandBps
	p.ARGTaxBps = c.Slab.ARGTaxBps
	p.JITMakerMinAgeMs = c.Slab.JITMakerMinAgeMs
	p.DefaultTTLMs = c.Slab.DefaultTTLMs
	p.FundingIntervalSec = c.Slab.FundingIntervalSec
	return p
}

// PortfolioParams converts the portfolio section to router margin parameters.
func (c *Config) PortfolioParams() portfolio.Params {
	return portfolio.Params{
		IMRBps:       c.Portfolio.IMRBps,
		MMRBps:       c.Portfolio.MMRBps,
		MaxExposures: c.Portfolio.MaxExposures,
	}
}

// LoggerOptions converts the logging section.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}

// Fixed converts one instrument's decimal fields to fixed point.
func (in *InstrumentConfig) Fixed() (tick, lot, mark uint64, err error) {
	if tick, err = parseFixed(in.TickSize); err != nil {
		return 0, 0, 0, err
	}
	if lot, err = parseFixed(in.LotSize); err != nil {
		return 0, 0, 0, err
	}
	if mark, err = parseFixed(in.InitialMark); err != nil {
		return 0, 0, 0, err
	}
	return tick, lot, mark, nil
}

func parseFixed(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return fixed.FromDecimal(d)
}
