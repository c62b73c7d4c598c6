// Package config loads runtime settings from settings.toml via viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Settings is everything the client binary needs to come up.
type Settings struct {
	UserID      string
	DisplayName string

	// DataDir holds the sqlite database.
	DataDir string

	// RedisAddr selects the Redis bus; empty plus RelayURL empty means the
	// in-process bus (standalone mode).
	RedisAddr string
	// RelayURL selects the websocket bus (ws://host/signal).
	RelayURL string

	ICEServers []string
	InviteTTL  time.Duration
}

// Load reads settings from dir (falling back to the working directory) and
// applies defaults.
func Load(dir string) (Settings, error) {
	v := viper.New()
	v.SetConfigName("settings")
	v.SetConfigType("toml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.SetDefault("identity.display_name", "")
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("signal.redis_addr", "")
	v.SetDefault("signal.relay_url", "")
	v.SetDefault("signal.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("calls.invite_ttl", "30s")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Settings{}, fmt.Errorf("config: read settings: %w", err)
		}
		// No file is fine; defaults plus flags carry standalone mode.
	}

	s := Settings{
		UserID:      v.GetString("identity.user_id"),
		DisplayName: v.GetString("identity.display_name"),
		DataDir:     v.GetString("store.data_dir"),
		RedisAddr:   v.GetString("signal.redis_addr"),
		RelayURL:    v.GetString("signal.relay_url"),
		ICEServers:  v.GetStringSlice("signal.ice_servers"),
		InviteTTL:   v.GetDuration("calls.invite_ttl"),
	}
	return s, s.validate()
}

func (s Settings) validate() error {
	if s.RedisAddr != "" && s.RelayURL != "" {
		return fmt.Errorf("config: redis_addr and relay_url are mutually exclusive")
	}
	if s.InviteTTL <= 0 {
		return fmt.Errorf("config: invite_ttl must be positive")
	}
	return nil
}
