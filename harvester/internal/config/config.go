// Package config loads the harvester's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level harvester configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Site      SiteConfig      `yaml:"site"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Gate      GateConfig      `yaml:"gate"`
	Run       RunConfig       `yaml:"run"`
	Store     StoreConfig     `yaml:"store"`
	Sinks     []SinkConfig    `yaml:"sinks"`
	Throttle  time.Duration   `yaml:"throttle"`
	Server    ServerConfig    `yaml:"server"`
	Export    ExportConfig    `yaml:"export"`
}

// BrowserConfig controls the Chrome session.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"`
	UserDataDir      string   `yaml:"user_data_dir"`
	ResourceBlocking []string `yaml:"resource_blocking"`
	Stealth          string   `yaml:"stealth"` // headless | headful | plain
	XvfbDisplay      string   `yaml:"xvfb_display"`
	// Attach reuses an open tab whose URL starts with this prefix.
	Attach string `yaml:"attach"`
}

// SiteConfig holds the selectors for the target site.
type SiteConfig struct {
	Anchor          string   `yaml:"anchor"`
	ItemLink        string   `yaml:"item_link"`
	ItemPattern     string   `yaml:"item_pattern"`
	ContainerHints  []string `yaml:"container_hints"`
	ContentRoot     string   `yaml:"content_root"`
	TurnSelector    string   `yaml:"turn_selector"`
	RoleAttr        string   `yaml:"role_attr"`
	BodySelector    string   `yaml:"body_selector"`
	ArticleSelector string   `yaml:"article_selector"`
	BusySelector    string   `yaml:"busy_selector"`
}

// DiscoveryConfig tunes the enumerator.
type DiscoveryConfig struct {
	MaxRounds      int           `yaml:"max_rounds"`
	ScrollStep     int           `yaml:"scroll_step_px"`
	Settle         time.Duration `yaml:"settle"`
	StableRounds   int           `yaml:"stable_rounds"`
	LowCount       int           `yaml:"low_count"`
	LocateAttempts int           `yaml:"locate_attempts"`
	LogEvery       int           `yaml:"log_every"`
}

// GateConfig tunes the content stabilization gate.
type GateConfig struct {
	Quiet          time.Duration `yaml:"quiet"`
	QuietTimeout   time.Duration `yaml:"quiet_timeout"`
	StableAttempts int           `yaml:"stable_attempts"`
	StableInterval time.Duration `yaml:"stable_interval"`
}

// RunConfig tunes the state machine and its driver.
type RunConfig struct {
	BusyBudget  time.Duration `yaml:"busy_budget"`
	BusyPoll    time.Duration `yaml:"busy_poll"`
	NavWait     time.Duration `yaml:"nav_wait"`
	NavAttempts int           `yaml:"nav_attempts"`
	// ReturnToAnchor goes back to the list between items. Default true.
	ReturnToAnchor *bool         `yaml:"return_to_anchor"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RouteSettle    time.Duration `yaml:"route_settle"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
	// WatchInterval is how often the daemon polls for out-of-process edits.
	WatchInterval time.Duration `yaml:"watch_interval"`
	// HeartbeatInterval is how often the daemon records that it is alive.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type       string `yaml:"type"` // stdout | dir | webhook | mongo
	URL        string `yaml:"url"`  // webhook target or mongo uri
	Path       string `yaml:"path"` // dir root
	Markdown   bool   `yaml:"markdown"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	Retries    int    `yaml:"retries"`
}

// ServerConfig controls the control API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// ExportConfig controls transcript sharding in the dir sink.
type ExportConfig struct {
	ShardMaxChars     int `yaml:"shard_max_chars"`
	ShardOverlapTurns int `yaml:"shard_overlap_turns"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}

	if c.Discovery.MaxRounds <= 0 {
		c.Discovery.MaxRounds = 2200
	}
	if c.Discovery.ScrollStep <= 0 {
		c.Discovery.ScrollStep = 900
	}
	if c.Discovery.Settle <= 0 {
		c.Discovery.Settle = 260 * time.Millisecond
	}
	if c.Discovery.StableRounds <= 0 {
		c.Discovery.StableRounds = 12
	}
	if c.Discovery.LowCount <= 0 {
		c.Discovery.LowCount = 3
	}
	if c.Discovery.LocateAttempts <= 0 {
		c.Discovery.LocateAttempts = 3
	}
	if c.Discovery.LogEvery <= 0 {
		c.Discovery.LogEvery = 25
	}

	if c.Gate.Quiet <= 0 {
		c.Gate.Quiet = 450 * time.Millisecond
	}
	if c.Gate.QuietTimeout <= 0 {
		c.Gate.QuietTimeout = 12 * time.Second
	}
	if c.Gate.StableAttempts <= 0 {
		c.Gate.StableAttempts = 16
	}
	if c.Gate.StableInterval <= 0 {
		c.Gate.StableInterval = 350 * time.Millisecond
	}

	if c.Run.BusyBudget <= 0 {
		c.Run.BusyBudget = 45 * time.Second
	}
	if c.Run.BusyPoll <= 0 {
		c.Run.BusyPoll = 500 * time.Millisecond
	}
	if c.Run.NavWait <= 0 {
		c.Run.NavWait = 10 * time.Second
	}
	if c.Run.NavAttempts <= 0 {
		c.Run.NavAttempts = 3
	}
	if c.Run.ReturnToAnchor == nil {
		t := true
		c.Run.ReturnToAnchor = &t
	}
	if c.Run.PollInterval <= 0 {
		c.Run.PollInterval = 5 * time.Second
	}
	if c.Run.RouteSettle <= 0 {
		c.Run.RouteSettle = 300 * time.Millisecond
	}

	if c.Store.DBPath == "" {
		c.Store.DBPath = "harvester.db"
	}
	if c.Store.WatchInterval <= 0 {
		c.Store.WatchInterval = time.Second
	}
	if c.Store.HeartbeatInterval <= 0 {
		c.Store.HeartbeatInterval = 15 * time.Second
	}

	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if s.Type == "dir" && s.Path == "" {
			s.Path = "transcripts"
		}
		if s.Type == "mongo" {
			if s.Database == "" {
				s.Database = "harvester"
			}
			if s.Collection == "" {
				s.Collection = "records"
			}
		}
		if s.Type == "webhook" && s.Retries <= 0 {
			s.Retries = 3
		}
	}
	if c.Throttle <= 0 {
		c.Throttle = 1200 * time.Millisecond
	}

	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8686"
	}

	if c.Export.ShardMaxChars <= 0 {
		c.Export.ShardMaxChars = 140000
	}
	if c.Export.ShardOverlapTurns <= 0 {
		c.Export.ShardOverlapTurns = 2
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout", "dir":
		case "webhook", "mongo":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: %s sink needs url", i, s.Type)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	switch c.Browser.Stealth {
	case "headless", "headful", "plain":
	default:
		return fmt.Errorf("config: browser.stealth: unknown value %q", c.Browser.Stealth)
	}
	return nil
}
