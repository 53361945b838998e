// Package config loads application configuration from environment
// variables.  A .env file, when present, is loaded by the binaries before
// Load is called.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/iliyamo/conference-registration/internal/database"
	"github.com/iliyamo/conference-registration/internal/discord"
	"github.com/iliyamo/conference-registration/internal/pretix"
)

// DatabaseConfig is the part of the configuration the monitor needs too.
type DatabaseConfig struct {
	Driver         string        `env:"PRECORD_DB_DRIVER" envDefault:"mysql"`
	User           string        `env:"PRECORD_DB_USER"`
	Pass           string        `env:"PRECORD_DB_PASS"`
	Host           string        `env:"PRECORD_DB_HOST" envDefault:"localhost"`
	Port           string        `env:"PRECORD_DB_PORT" envDefault:"3306"`
	Name           string        `env:"PRECORD_DB_NAME,notEmpty"`
	CommandTimeout time.Duration `env:"PRECORD_DB_COMMAND_TIMEOUT" envDefault:"60s"`
}

// Config holds all runtime configuration of the registration server.
type Config struct {
	Env      string `env:"PRECORD_ENV" envDefault:"dev"`
	Port     string `env:"PRECORD_PORT" envDefault:"8080"`
	LogLevel string `env:"PRECORD_LOG_LEVEL" envDefault:"info"`

	Database DatabaseConfig

	DiscordClientID         string `env:"PRECORD_DISCORD_CLIENT_ID,notEmpty"`
	DiscordClientSecret     string `env:"PRECORD_DISCORD_CLIENT_SECRET,notEmpty"`
	DiscordBotToken         string `env:"PRECORD_DISCORD_BOT_TOKEN,notEmpty"`
	DiscordGuildID          string `env:"PRECORD_DISCORD_GUILD_ID,notEmpty"`
	DiscordWelcomeChannelID string `env:"PRECORD_DISCORD_WELCOME_CHANNEL_ID,notEmpty"`
	DiscordRedirectURI      string `env:"PRECORD_DISCORD_REDIRECT_URI,notEmpty"`

	PretixAPIToken  string `env:"PRECORD_PRETIX_API_TOKEN,notEmpty"`
	PretixPublicKey string `env:"PRECORD_PRETIX_PUBLIC_KEY_FILE,file,notEmpty"` // PEM contents, read from the named file
	PretixBaseURL   string `env:"PRECORD_PRETIX_BASE_URL" envDefault:"https://pretix.eu/api/v1"`
	PretixOrganizer string `env:"PRECORD_PRETIX_ORGANIZER,notEmpty"`
	PretixEvent     string `env:"PRECORD_PRETIX_EVENT,notEmpty"`

	StateTokenLifetime time.Duration `env:"PRECORD_STATE_TOKEN_LIFETIME" envDefault:"30m"`
	RoleTableFile      string        `env:"PRECORD_ROLE_TABLE_FILE"`

	// AMQPURL enables the grant retry queue when set.
	AMQPURL string `env:"PRECORD_AMQP_URL"`
}

// Load parses the server configuration from the environment and validates
// it.  All problems are reported together.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDatabase parses only the database settings.
func LoadDatabase() (DatabaseConfig, error) {
	var cfg DatabaseConfig
	if err := env.Parse(&cfg); err != nil {
		return DatabaseConfig{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return DatabaseConfig{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.StateTokenLifetime <= 0 {
		errs = append(errs, errors.New("PRECORD_STATE_TOKEN_LIFETIME must be positive"))
	}
	if !strings.HasPrefix(c.DiscordRedirectURI, "http://") && !strings.HasPrefix(c.DiscordRedirectURI, "https://") {
		errs = append(errs, fmt.Errorf("PRECORD_DISCORD_REDIRECT_URI must be an http(s) URL, got %q", c.DiscordRedirectURI))
	}
	return errors.Join(errs...)
}

// Validate checks the driver and the settings it requires.
func (d DatabaseConfig) Validate() error {
	switch d.Driver {
	case database.DriverSQLite:
		return nil
	case database.DriverMySQL:
		if d.User == "" {
			return errors.New("PRECORD_DB_USER is required for mysql")
		}
		return nil
	default:
		return fmt.Errorf("unsupported PRECORD_DB_DRIVER %q", d.Driver)
	}
}

// Options converts the settings for database.Open.
func (d DatabaseConfig) Options() database.Options {
	return database.Options{
		Driver:         d.Driver,
		User:           d.User,
		Pass:           d.Pass,
		Host:           d.Host,
		Port:           d.Port,
		Name:           d.Name,
		CommandTimeout: d.CommandTimeout,
	}
}

func (c Config) Pretix() pretix.Config {
	return pretix.Config{
		PublicKeyPEM: c.PretixPublicKey,
		APIToken:     c.PretixAPIToken,
		BaseURL:      c.PretixBaseURL,
		Organizer:    c.PretixOrganizer,
		Event:        c.PretixEvent,
	}
}

func (c Config) Discord() discord.Config {
	return discord.Config{
		ClientID:         c.DiscordClientID,
		ClientSecret:     c.DiscordClientSecret,
		RedirectURI:      c.DiscordRedirectURI,
		BotToken:         c.DiscordBotToken,
		GuildID:          c.DiscordGuildID,
		WelcomeChannelID: c.DiscordWelcomeChannelID,
	}
}
