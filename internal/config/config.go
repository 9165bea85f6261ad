package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	StoreURL string `mapstructure:"store_url"`
	Room     string `mapstructure:"room"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	StaleWindow       time.Duration `mapstructure:"stale_window"`
	PlayerLiveWindow  time.Duration `mapstructure:"player_live_window"`
	PeerLiveWindow    time.Duration `mapstructure:"peer_live_window"`
	RespawnDelay      time.Duration `mapstructure:"respawn_delay"`
	UpdateThrottle    time.Duration `mapstructure:"update_throttle"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
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
	v.SetDefault("store_url", "ws://localhost:8080/ws")
	v.SetDefault("room", "meadow")
	v.SetDefault("heartbeat_interval", "5s")
	v.SetDefault("sweep_interval", "10s")
	v.SetDefault("stale_window", "30s")
	v.SetDefault("player_live_window", "10s")
	v.SetDefault("peer_live_window", "15s")
	v.SetDefault("respawn_delay", "5s")
	v.SetDefault("update_throttle", "50ms")
	v.SetDefault("max_reconnects", 3)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
