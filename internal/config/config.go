package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Addr     string `envconfig:"ADDR" default:":57575"`
	DataPath string `envconfig:"DATA_PATH" default:""`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Terminal session settings
	Shell       string        `envconfig:"SHELL" default:""`
	GracePeriod time.Duration `envconfig:"GRACE_PERIOD" default:"30s"`
}

func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("TERMLOOM", &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
