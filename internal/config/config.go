package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr            string        `env:"TOWNSYNC_ADDR" envDefault:":8080"`
	JWTSecret       string        `env:"TOWNSYNC_JWT_SECRET,required"`
	CredentialTTL   time.Duration `env:"TOWNSYNC_CREDENTIAL_TTL" envDefault:"1h"`
	CredentialEpoch int           `env:"TOWNSYNC_CREDENTIAL_EPOCH" envDefault:"1"`
	NightCategory   string        `env:"TOWNSYNC_NIGHT_CATEGORY" envDefault:"Night"`
	Debug           bool          `env:"TOWNSYNC_DEBUG" envDefault:"false"`
}

// Parse loads configuration from environment variables.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
