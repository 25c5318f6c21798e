package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/planning-poker/go/internal/models"
	"github.com/mcdev12/planning-poker/go/internal/room/engine"
)

// FileConfig is the optional YAML client configuration.
type FileConfig struct {
	RelayURL         string         `yaml:"relay_url"`
	Deck             []int          `yaml:"deck"`
	AnnounceInterval time.Duration  `yaml:"announce_interval"`
	StaleAfter       *time.Duration `yaml:"stale_after"` // 0 disables eviction
	LeaveTimeout     time.Duration  `yaml:"leave_timeout"`
}

func loadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// engineConfig overlays the file settings on the protocol defaults.
func (c *FileConfig) engineConfig() (engine.Config, error) {
	config := engine.DefaultConfig()
	if c == nil {
		return config, nil
	}

	if len(c.Deck) > 0 {
		deck := models.Deck(c.Deck)
		if err := deck.Validate(); err != nil {
			return config, fmt.Errorf("invalid deck in config: %w", err)
		}
		config.Deck = deck
	}
	if c.AnnounceInterval < 0 || c.LeaveTimeout < 0 {
		return config, errors.New("durations in config must not be negative")
	}
	if c.AnnounceInterval > 0 {
		config.AnnounceInterval = c.AnnounceInterval
		config.StaleAfter = 3 * c.AnnounceInterval
	}
	if c.StaleAfter != nil {
		if *c.StaleAfter < 0 {
			return config, errors.New("stale_after must not be negative")
		}
		config.StaleAfter = *c.StaleAfter
	}
	if c.LeaveTimeout > 0 {
		config.LeaveTimeout = c.LeaveTimeout
	}
	if config.StaleAfter > 0 && config.StaleAfter <= config.AnnounceInterval {
		return config, fmt.Errorf("stale_after (%s) must be longer than announce_interval (%s)",
			config.StaleAfter, config.AnnounceInterval)
	}
	return config, nil
}
