package httpclient

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ConfigFromEnv loads a Config from environment variables named
// PREFIX_FIELD, falling back to the DefaultConfig values, and validates it.
//
// Example:
//
//	// COURIER_TIMEOUT=5s COURIER_MAX_REDIRECTS=3
//	cfg, err := httpclient.ConfigFromEnv("COURIER")
//	if err != nil {
//	    return err
//	}
//	client := httpclient.New(httpclient.WithConfig(cfg))
func ConfigFromEnv(prefix string) (Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("httpclient: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the field constraints of c.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("httpclient: invalid config: %w", err)
	}
	return nil
}
