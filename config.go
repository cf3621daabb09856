package coedit

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

const DefaultPort = 8098

type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseTls    bool   `yaml:"useTls"`
}

type Config struct {
	Port int `yaml:"port"`

	// coordination store connection string, e.g. redis://localhost:6379/0
	RedisUrl string `yaml:"redisUrl"`

	KeyPrefix string `yaml:"keyPrefix"`

	ObjectStore ObjectStoreConfig `yaml:"objectStore"`

	// 0 disables background autosave; saves are then UI-initiated only
	AutosaveIntervalMs    int `yaml:"autosaveIntervalMs"`
	RoomCleanupIntervalMs int `yaml:"roomCleanupIntervalMs"`
	MaxRetries            int `yaml:"maxRetries"`
	StaleSessionMinutes   int `yaml:"staleSessionMinutes"`
}

func DefaultConfig() *Config {
	return &Config{
		Port:                  DefaultPort,
		RedisUrl:              "redis://localhost:6379/0",
		KeyPrefix:             DefaultKeyPrefix,
		RoomCleanupIntervalMs: 30000,
		MaxRetries:            5,
		StaleSessionMinutes:   2,
	}
}

// reads a yaml config file over the defaults. Secrets may be left out of the
// file and supplied with COEDIT_REDIS_URL, COEDIT_OBJECT_STORE_ACCESS_KEY
// and COEDIT_OBJECT_STORE_SECRET_KEY.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, config); err != nil {
			return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
		}
	}

	if redisUrl := os.Getenv("COEDIT_REDIS_URL"); redisUrl != "" {
		config.RedisUrl = redisUrl
	}
	if accessKey := os.Getenv("COEDIT_OBJECT_STORE_ACCESS_KEY"); accessKey != "" {
		config.ObjectStore.AccessKey = accessKey
	}
	if secretKey := os.Getenv("COEDIT_OBJECT_STORE_SECRET_KEY"); secretKey != "" {
		config.ObjectStore.SecretKey = secretKey
	}
	return config, nil
}

func (self *Config) PipelineSettings() *PipelineSettings {
	settings := DefaultPipelineSettings()
	if 0 < self.MaxRetries {
		settings.MaxRetries = self.MaxRetries
	}
	return settings
}

func (self *Config) ReaperSettings() *ReaperSettings {
	settings := DefaultReaperSettings()
	if 0 < self.RoomCleanupIntervalMs {
		settings.CleanupInterval = time.Duration(self.RoomCleanupIntervalMs) * time.Millisecond
	}
	if 0 < self.StaleSessionMinutes {
		settings.StaleSessionTimeout = time.Duration(self.StaleSessionMinutes) * time.Minute
	}
	return settings
}

func (self *Config) AutosaveSettings() *AutosaveSettings {
	settings := DefaultAutosaveSettings()
	settings.Interval = time.Duration(self.AutosaveIntervalMs) * time.Millisecond
	return settings
}
