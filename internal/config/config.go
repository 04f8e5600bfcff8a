// Package config loads the daemon configuration from a YAML file.
// Defaults are applied after unmarshal and the result is validated
// before any component starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recapnet/histd/internal/model"
)

type Config struct {
	Server struct {
		Name           string   `yaml:"name"`
		WSAddr         string   `yaml:"ws_addr"`
		HTTPAddr       string   `yaml:"http_addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Opers          []string `yaml:"opers"`
	} `yaml:"server"`

	Store struct {
		Path        string `yaml:"path"`
		MaxBytes    int64  `yaml:"max_bytes"`
		Compression string `yaml:"compression"` // none|zstd|lz4|auto
	} `yaml:"store"`

	Retention struct {
		Days             int           `yaml:"days"`
		FloorHours       int           `yaml:"floor_hours"`
		HighWatermarkPct int           `yaml:"high_watermark_pct"`
		LowWatermarkPct  int           `yaml:"low_watermark_pct"`
		EvictBatch       int           `yaml:"evict_batch"`
		SweepInterval    time.Duration `yaml:"sweep_interval"`
	} `yaml:"retention"`

	Federation struct {
		Enabled        bool     `yaml:"enabled"`
		Storing        bool     `yaml:"storing"`
		StoredChannels []string `yaml:"stored_channels"` // empty = all
		Peers          []string `yaml:"peers"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		MaxInbound     int      `yaml:"max_inbound"`
	} `yaml:"federation"`

	History struct {
		MaxEntriesPerRequest int `yaml:"max_entries_per_request"`
		DefaultLimit         int `yaml:"default_limit"`
	} `yaml:"history"`

	PM struct {
		Enabled     bool   `yaml:"enabled"`
		ConsentMode string `yaml:"consent_mode"` // global|single-party|multi-party
	} `yaml:"pm"`
}

// Load supports comma-separated config files: "-c common.yml,histd.yml".
// Later files override earlier ones.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./histd.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.WSAddr == "" {
		c.Server.WSAddr = ":6690"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":6691"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./history.db"
	}
	if c.Store.MaxBytes <= 0 {
		c.Store.MaxBytes = 1 << 30 // 1 GiB
	}
	if c.Store.Compression == "" {
		c.Store.Compression = "auto"
	}
	if c.Retention.Days <= 0 {
		c.Retention.Days = 14
	}
	if c.Retention.FloorHours <= 0 {
		c.Retention.FloorHours = 24
	}
	if c.Retention.HighWatermarkPct <= 0 {
		c.Retention.HighWatermarkPct = 90
	}
	if c.Retention.LowWatermarkPct <= 0 {
		c.Retention.LowWatermarkPct = 75
	}
	if c.Retention.EvictBatch <= 0 {
		c.Retention.EvictBatch = 500
	}
	if c.Retention.SweepInterval <= 0 {
		c.Retention.SweepInterval = 5 * time.Minute
	}
	if c.Federation.TimeoutSeconds <= 0 {
		c.Federation.TimeoutSeconds = 5
	}
	if c.Federation.MaxInbound <= 0 {
		c.Federation.MaxInbound = 32
	}
	if c.History.MaxEntriesPerRequest <= 0 {
		c.History.MaxEntriesPerRequest = 500
	}
	if c.History.DefaultLimit <= 0 {
		c.History.DefaultLimit = 100
	}
	if c.PM.ConsentMode == "" {
		c.PM.ConsentMode = "multi-party"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Retention.LowWatermarkPct > c.Retention.HighWatermarkPct {
		return fmt.Errorf("retention: low watermark %d%% exceeds high watermark %d%%",
			c.Retention.LowWatermarkPct, c.Retention.HighWatermarkPct)
	}
	if c.Retention.HighWatermarkPct > 100 {
		return fmt.Errorf("retention: high watermark %d%% exceeds 100%%", c.Retention.HighWatermarkPct)
	}
	if floor, window := c.RetentionFloor(), c.RetentionWindow(); floor > window {
		return fmt.Errorf("retention: floor %s exceeds retention window %s", floor, window)
	}
	switch c.Store.Compression {
	case "none", "zstd", "lz4", "auto":
	default:
		return fmt.Errorf("store: unknown compression %q", c.Store.Compression)
	}
	if _, err := model.ParseConsentMode(c.PM.ConsentMode); err != nil {
		return fmt.Errorf("pm: %w", err)
	}
	return nil
}

// RetentionWindow returns the configured retention window as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}

// RetentionFloor returns the minimum retention floor as a duration.
func (c *Config) RetentionFloor() time.Duration {
	return time.Duration(c.Retention.FloorHours) * time.Hour
}

// FederationTimeout returns the federation query deadline.
func (c *Config) FederationTimeout() time.Duration {
	return time.Duration(c.Federation.TimeoutSeconds) * time.Second
}

// ConsentMode returns the parsed PM consent mode. Validate has already
// rejected unparseable values.
func (c *Config) ConsentMode() model.ConsentMode {
	mode, _ := model.ParseConsentMode(c.PM.ConsentMode)
	return mode
}

// StoresTarget reports whether this server is configured to persist
// the given channel. An empty stored_channels list means every target.
func (c *Config) StoresTarget(target string) bool {
	if !c.Federation.Storing {
		return false
	}
	if len(c.Federation.StoredChannels) == 0 {
		return true
	}
	target = model.NormalizeTarget(target)
	if !model.IsChannel(target) {
		// Pair-scoped conversations are stored wherever PM storage
		// is enabled, independent of the channel set.
		return c.PM.Enabled
	}
	for _, ch := range c.Federation.StoredChannels {
		if model.NormalizeTarget(ch) == target {
			return true
		}
	}
	return false
}

// IsOper reports whether an account holds network-operator privilege
// on this server.
func (c *Config) IsOper(account string) bool {
	for _, o := range c.Server.Opers {
		if strings.EqualFold(o, account) {
			return true
		}
	}
	return false
}
