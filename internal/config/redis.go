package config

// Redis backs the rate limiter.  When it cannot be reached at startup the
// server runs without rate limiting rather than refusing to start.

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings.  Addr wins over Host/Port.
type RedisConfig struct {
	Host     string `env:"PRECORD_REDIS_HOST"`
	Port     string `env:"PRECORD_REDIS_PORT"`
	Addr     string `env:"PRECORD_REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"PRECORD_REDIS_PASSWORD"`
	DB       int    `env:"PRECORD_REDIS_DB"`
	TLS      bool   `env:"PRECORD_REDIS_TLS"`
}

func (r RedisConfig) address() string {
	if r.Host != "" && r.Port != "" {
		return r.Host + ":" + r.Port
	}
	return r.Addr
}

// NewRedisClient connects to Redis using PRECORD_REDIS_* variables.  It
// returns nil when the server cannot be pinged; callers treat nil as
// "disabled".
func NewRedisClient(log *slog.Logger) *redis.Client {
	var rc RedisConfig
	if err := env.Parse(&rc); err != nil {
		log.Warn("redis: bad configuration, rate limiting disabled", "err", err)
		return nil
	}
	var tlsConf *tls.Config
	if rc.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      rc.address(),
		Password:  rc.Password,
		DB:        rc.DB,
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis: unreachable, rate limiting disabled", "addr", rc.address(), "err", fmt.Sprint(err))
		_ = client.Close()
		return nil
	}
	return client
}
