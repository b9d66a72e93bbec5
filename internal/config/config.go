// Package config loads the mission configuration: built-in defaults,
// an optional TOML file in the data directory, then environment
// overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	API      APIConfig      `toml:"api"`
	Research ResearchConfig `toml:"research"`
	Store    StoreConfig    `toml:"store"`
}

type APIConfig struct {
	Key           string `toml:"-"` // env only, never written to disk
	BaseURL       string `toml:"base_url"`
	Agent         string `toml:"agent"`
	FollowupModel string `toml:"followup_model"`
}

type ResearchConfig struct {
	MaxDepth          int `toml:"max_depth"`
	Breadth           int `toml:"breadth"`
	LevelTimeoutMin   int `toml:"level_timeout_min"`
	PollIntervalSec   int `toml:"poll_interval_sec"`
	PollTimeoutMin    int `toml:"poll_timeout_min"`
	ReconnectDelaySec int `toml:"reconnect_delay_sec"`
}

type StoreConfig struct {
	Path      string `toml:"path"`
	ListLimit int    `toml:"list_limit"`
}

func Default() Config {
	return Config{
		API: APIConfig{
			Agent:         "deep-research-pro-preview-12-2025",
			FollowupModel: "gemini-3-pro-preview",
		},
		Research: ResearchConfig{
			MaxDepth:          1,
			Breadth:           3,
			LevelTimeoutMin:   30,
			PollIntervalSec:   10,
			PollTimeoutMin:    120,
			ReconnectDelaySec: 2,
		},
		Store: StoreConfig{
			Path:      filepath.Join(DataDir(), "history.db"),
			ListLimit: 50,
		},
	}
}

// DataDir is where the store, config file and detach logs live.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "mission")
}

// LogDir is where detached runs write their logs.
func LogDir() string {
	return filepath.Join(DataDir(), "logs")
}

var ErrInvalid = errors.New("invalid config")

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads <dataDir>/config.toml, merges it over the defaults and
// applies environment overrides. A missing file is not an error; a
// malformed one is reported via ParseError with defaults still usable.
func Load(dataDir string) LoadResult {
	res := LoadResult{Config: Default()}
	if dataDir == "" {
		dataDir = DataDir()
	}
	path := filepath.Join(dataDir, "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(&res.Config)
			return res
		}
		res.ParseError = err
		applyEnv(&res.Config)
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		applyEnv(&res.Config)
		return res
	}

	res.Config = merge(Default(), parsed)
	applyEnv(&res.Config)
	return res
}

func merge(def Config, cfg Config) Config {
	// API
	if cfg.API.BaseURL != "" {
		def.API.BaseURL = cfg.API.BaseURL
	}
	if cfg.API.Agent != "" {
		def.API.Agent = cfg.API.Agent
	}
	if cfg.API.FollowupModel != "" {
		def.API.FollowupModel = cfg.API.FollowupModel
	}
	// Research
	if cfg.Research.MaxDepth != 0 {
		def.Research.MaxDepth = cfg.Research.MaxDepth
	}
	if cfg.Research.Breadth != 0 {
		def.Research.Breadth = cfg.Research.Breadth
	}
	if cfg.Research.LevelTimeoutMin != 0 {
		def.Research.LevelTimeoutMin = cfg.Research.LevelTimeoutMin
	}
	if cfg.Research.PollIntervalSec != 0 {
		def.Research.PollIntervalSec = cfg.Research.PollIntervalSec
	}
	if cfg.Research.PollTimeoutMin != 0 {
		def.Research.PollTimeoutMin = cfg.Research.PollTimeoutMin
	}
	if cfg.Research.ReconnectDelaySec != 0 {
		def.Research.ReconnectDelaySec = cfg.Research.ReconnectDelaySec
	}
	// Store
	if cfg.Store.Path != "" {
		def.Store.Path = cfg.Store.Path
	}
	if cfg.Store.ListLimit != 0 {
		def.Store.ListLimit = cfg.Store.ListLimit
	}
	return def
}

// applyEnv layers environment overrides on top of file and defaults.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.API.Key = v
	}
	if v := os.Getenv("MISSION_DB"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MISSION_AGENT"); v != "" {
		cfg.API.Agent = v
	}
	if v := os.Getenv("MISSION_BREADTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Research.Breadth = n
		}
	}
}

// LevelTimeout converts the configured minutes to a duration.
func (r ResearchConfig) LevelTimeout() time.Duration {
	return time.Duration(r.LevelTimeoutMin) * time.Minute
}

func (r ResearchConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSec) * time.Second
}

func (r ResearchConfig) PollTimeout() time.Duration {
	return time.Duration(r.PollTimeoutMin) * time.Minute
}

func (r ResearchConfig) ReconnectDelay() time.Duration {
	return time.Duration(r.ReconnectDelaySec) * time.Second
}
