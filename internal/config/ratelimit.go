package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// RateLimitConfig configures the redis token bucket in front of the
// handshake endpoints.
type RateLimitConfig struct {
	Enabled        bool          `env:"PRECORD_RATE_LIMIT_ENABLED" envDefault:"true"`
	Capacity       int           `env:"PRECORD_RATE_LIMIT_CAPACITY" envDefault:"20"`
	RefillTokens   int           `env:"PRECORD_RATE_LIMIT_REFILL_TOKENS" envDefault:"1"`
	RefillInterval time.Duration `env:"PRECORD_RATE_LIMIT_REFILL_INTERVAL" envDefault:"3s"`
	TTL            time.Duration `env:"PRECORD_RATE_LIMIT_TTL" envDefault:"10m"`
	KeyStrategy    string        `env:"PRECORD_RATE_LIMIT_KEY_STRATEGY" envDefault:"ip_route"`
	Prefix         string        `env:"PRECORD_RATE_LIMIT_PREFIX" envDefault:"rl"`
	Debug          bool          `env:"PRECORD_RATE_LIMIT_DEBUG"`
}

// LoadRateLimitConfig reads the rate limit settings and clamps them to
// usable values.
func LoadRateLimitConfig() (RateLimitConfig, error) {
	var cfg RateLimitConfig
	if err := env.Parse(&cfg); err != nil {
		return RateLimitConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg.normalize(), nil
}

func (c RateLimitConfig) normalize() RateLimitConfig {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	// keys must outlive a full refill or buckets reset early
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
	return c
}
