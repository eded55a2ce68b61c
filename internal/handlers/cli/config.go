package cli

import (
	"github.com/gabapcia/lnwatch/internal/pkg/validator"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime setting of the lnwatch binary, loaded from the
// environment.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	OtelEnabled bool   `envconfig:"OTEL_ENABLED" default:"false"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"lnwatch"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisUsername string `envconfig:"REDIS_USERNAME"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	EsploraURL   string `envconfig:"ESPLORA_URL" validate:"required,url"`
	LightningURL string `envconfig:"LIGHTNING_URL" validate:"required,url"`
}

// LoadConfig reads and validates the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}

	if err := validator.Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
