package main

import (
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const envPrefix = "SCHEDFREE_"

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level string `koanf:"level"` // debug|info|warn|error
	JSON  bool   `koanf:"json"`
}

// Config describes one optimization run.
type Config struct {
	Objective    string    `koanf:"objective"` // parabola|rosenbrock
	Optimizer    string    `koanf:"optimizer"` // sgd|adam|adamw|fused
	Steps        int       `koanf:"steps"`
	LearningRate float64   `koanf:"learning_rate"` // peak, reached after warmup
	WarmupSteps  int64     `koanf:"warmup_steps"`
	B1           float64   `koanf:"b1"`
	WeightDecay  float64   `koanf:"weight_decay"` // adamw and fused only
	LogEvery     int       `koanf:"log_every"`
	Log          LogConfig `koanf:"log"`
}

// DefaultConfig is schedule-free AdamW on Rosenbrock with a 5000-step warmup.
func DefaultConfig() Config {
	return Config{
		Objective:    "rosenbrock",
		Optimizer:    "adamw",
		Steps:        25000,
		LearningRate: 1e-2,
		WarmupSteps:  5000,
		B1:           0.9,
		WeightDecay:  1e-4,
		LogEvery:     5000,
		Log:          LogConfig{Level: "info"},
	}
}

// LoadConfig merges YAML (if present) with env-vars over DefaultConfig.
// Env keys use the SCHEDFREE_ prefix and `__` for nesting, e.g.
// SCHEDFREE_LOG__LEVEL=debug.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, errors.Wrapf(err, "load %s", path)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

// Validate rejects unknown names and out-of-range values.
func (c Config) Validate() error {
	switch c.Objective {
	case "parabola", "rosenbrock":
	default:
		return errors.Errorf("unknown objective %q", c.Objective)
	}
	switch c.Optimizer {
	case "sgd", "adam", "adamw", "fused":
	default:
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if c.Steps <= 0 {
		return errors.Errorf("steps must be > 0, got %d", c.Steps)
	}
	if c.LearningRate < 0 {
		return errors.Errorf("learning_rate must be >= 0, got %g", c.LearningRate)
	}
	if c.WarmupSteps < 0 {
		return errors.Errorf("warmup_steps must be >= 0, got %d", c.WarmupSteps)
	}
	if c.B1 < 0 || c.B1 >= 1 {
		return errors.Errorf("b1 must be in [0,1), got %g", c.B1)
	}
	return nil
}
