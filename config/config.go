// Package config loads the sectioned YAML configuration once at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Listen    Listen     `yaml:"listen"`
	Upstreams []Upstream `yaml:"upstreams"`
	Cache     Cache      `yaml:"cache"`
	Alchemy   Alchemy    `yaml:"ttl_alchemy"`
	Negative  Negative   `yaml:"negative"`
	Prefetch  Prefetch   `yaml:"prefetch"`
	Chaos     Chaos      `yaml:"chaos"`
	Recursive Recursive  `yaml:"recursive"`
	EDNS      EDNS       `yaml:"edns"`
	Ornament  Ornament   `yaml:"ornament"`
	Web       Web        `yaml:"web"`
	Log       Log        `yaml:"log"`
}

type Listen struct {
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`
}

type Upstream struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	Port      uint16 `yaml:"port"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

func (u Upstream) Addr() string {
	return fmt.Sprintf("%s:%d", u.Address, u.Port)
}

func (u Upstream) Timeout() time.Duration {
	return time.Duration(u.TimeoutMs) * time.Millisecond
}

type Cache struct {
	MaxEntries     int  `yaml:"max_entries"`
	ServeStale     bool `yaml:"serve_stale"`
	StaleGraceSecs int  `yaml:"stale_grace_secs"`
}

type Alchemy struct {
	Enabled          bool    `yaml:"enabled"`
	FrequencyWeight  float64 `yaml:"frequency_weight"`
	VolatilityWeight float64 `yaml:"volatility_weight"`
}

type Negative struct {
	Speculative bool `yaml:"speculative"`
}

type Prefetch struct {
	Enabled      bool    `yaml:"enabled"`
	Threshold    float64 `yaml:"threshold"`
	MinHits      uint64  `yaml:"min_hits"`
	IntervalSecs int     `yaml:"interval_secs"`
}

type Chaos struct {
	Enabled             bool     `yaml:"enabled"`
	ServfailProbability float64  `yaml:"servfail_probability"`
	Exclude             []string `yaml:"exclude"`
}

type Recursive struct {
	Enabled          bool   `yaml:"enabled"`
	RootHintsPath    string `yaml:"root_hints_path"`
	MaxDepth         int    `yaml:"max_depth"`
	ParallelBranches int    `yaml:"parallel_branches"`
	CuriosityWalk    bool   `yaml:"curiosity_walk"`
}

// EDNS lists the private-range option codes echoed back to clients. An
// empty list echoes every private-range option.
type EDNS struct {
	CustomOptionCodes []uint16 `yaml:"custom_option_codes"`
}

// Ornament toggles the informational TXT records appended to replies.
type Ornament struct {
	FeaturesTXT bool `yaml:"features_txt"`
	JourneyTXT  bool `yaml:"journey_txt"`
}

type Web struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint16 `yaml:"port"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: Listen{Address: "0.0.0.0", Port: 53},
		Cache: Cache{
			MaxEntries:     100000,
			ServeStale:     true,
			StaleGraceSecs: 300,
		},
		Alchemy: Alchemy{
			Enabled:          true,
			FrequencyWeight:  0.3,
			VolatilityWeight: 0.5,
		},
		Prefetch: Prefetch{
			Enabled:      true,
			Threshold:    0.1,
			MinHits:      3,
			IntervalSecs: 10,
		},
		Chaos: Chaos{ServfailProbability: 0.01},
		Recursive: Recursive{
			Enabled:          true,
			MaxDepth:         20,
			ParallelBranches: 3,
			CuriosityWalk:    true,
		},
		Ornament: Ornament{FeaturesTXT: true, JourneyTXT: true},
		Web:      Web{Enabled: true, Port: 8053},
		Log:      Log{Level: "info"},
	}
}

// Load reads and validates the configuration at path. Missing keys keep
// their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen.Port == 0 {
		return fmt.Errorf("config: listen.port must be set")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config: cache.max_entries must be positive")
	}
	if c.Chaos.ServfailProbability < 0 || c.Chaos.ServfailProbability > 1 {
		return fmt.Errorf("config: chaos.servfail_probability must be in [0,1]")
	}
	if c.Prefetch.Threshold < 0 || c.Prefetch.Threshold > 1 {
		return fmt.Errorf("config: prefetch.threshold must be in [0,1]")
	}
	if c.Recursive.MaxDepth <= 0 {
		return fmt.Errorf("config: recursive.max_depth must be positive")
	}
	if c.Recursive.ParallelBranches <= 0 {
		return fmt.Errorf("config: recursive.parallel_branches must be positive")
	}
	if !c.Recursive.Enabled && len(c.Upstreams) == 0 {
		return fmt.Errorf("config: need recursive.enabled or at least one upstream")
	}
	for i, u := range c.Upstreams {
		if u.Address == "" {
			return fmt.Errorf("config: upstreams[%d].address must be set", i)
		}
		if u.Port == 0 {
			return fmt.Errorf("config: upstreams[%d].port must be set", i)
		}
	}
	for _, code := range c.EDNS.CustomOptionCodes {
		if code < 65001 || code > 65534 {
			return fmt.Errorf("config: edns.custom_option_codes must be in the private range 65001-65534, got %d", code)
		}
	}
	return nil
}

func (c *Config) StaleGrace() time.Duration {
	return time.Duration(c.Cache.StaleGraceSecs) * time.Second
}

func (c *Config) PrefetchInterval() time.Duration {
	return time.Duration(c.Prefetch.IntervalSecs) * time.Second
}
