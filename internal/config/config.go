package config

import (
	"fmt"

	"go-civitai-manager/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Defaults applied when the config file leaves a field unset.
const (
	DefaultMaxConcurrentDownloads = 3
	DefaultMaxImagesPerVersion    = 5
	DefaultMaxImageArea           = 1_100_000 // ~1.1 MP cap
	DefaultApiClientTimeoutSec    = 60
)

// DefaultPriorityTags is the tag hierarchy used to pick a main tag for a
// download record when none is configured.
var DefaultPriorityTags = []string{"meme", "concept", "character", "style", "clothing", "pose"}

// LoadConfig reads the configuration from the specified path (defaulting to
// "config.toml") and populates a models.Config with defaults applied.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml" // Default path
	}
	var cfg models.Config
	_, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	if cfg.SavePath == "" {
		log.Warn("Warning: SavePath is not set in config.toml")
	}
	if cfg.DatabasePath == "" {
		log.Warn("Warning: DatabasePath is not set in config.toml")
	}

	ApplyDefaults(&cfg)

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills zero-valued tunables with their defaults.
func ApplyDefaults(cfg *models.Config) {
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = DefaultMaxConcurrentDownloads
	}
	if cfg.MaxImagesPerVersion <= 0 {
		cfg.MaxImagesPerVersion = DefaultMaxImagesPerVersion
	}
	if cfg.MaxImageArea <= 0 {
		cfg.MaxImageArea = DefaultMaxImageArea
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = DefaultApiClientTimeoutSec
	}
	if len(cfg.PriorityTags) == 0 {
		cfg.PriorityTags = append([]string(nil), DefaultPriorityTags...)
	}
}
