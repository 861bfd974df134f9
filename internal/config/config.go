package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/telecare/parley/internal/adapters/engine"
	"github.com/telecare/parley/internal/adapters/signal"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	Engine engine.Config `mapstructure:"engine"`
	Signal signal.Config `mapstructure:"signal"`

	Identity IdentityConfig `mapstructure:"identity"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

type IdentityConfig struct {
	// URL of the identity service; empty means allow-all (dev).
	URL string `mapstructure:"url"`
}

type NotifierConfig struct {
	// WebhookURL for out-of-band notifications; empty logs only.
	WebhookURL string `mapstructure:"webhook_url"`
}

type StorageConfig struct {
	ArtifactRoot string `mapstructure:"artifact_root"`
	ArtifactURL  string `mapstructure:"artifact_url"`
	CaptureDir   string `mapstructure:"capture_dir"`
	ChatArchive  string `mapstructure:"chat_archive"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "parley-dev-secret")
	v.SetDefault("engine.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.send_queue", 32)
	v.SetDefault("storage.artifact_root", "./data/recordings")
	v.SetDefault("storage.artifact_url", "/recordings")
	v.SetDefault("storage.capture_dir", "./data/capture")
	v.SetDefault("storage.chat_archive", "./data/chat")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
