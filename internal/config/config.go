package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "POLYDOC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "polydoc.db"
	defaultLogLevel     = "info"
	defaultSessionTTL   = 12 * time.Hour
	defaultIssuer       = "polydoc-auth"
	defaultAudience     = "polydoc-api"
	defaultModel        = "gemini-2.0-flash"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionAudience      string
	SessionTTL           time.Duration
	RedisURL             string
	LocalizeEndpoint     string
	LocalizeAPIKey       string
	FormEndpoint         string
	FormAPIKey           string
	ReconcilerEndpoint   string
	ReconcilerAPIKey     string
	ReconcilerModel      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultIssuer)
	configViper.SetDefault("session.audience", defaultAudience)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("reconciler.model", defaultModel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionAudience:      configViper.GetString("session.audience"),
		SessionTTL:           configViper.GetDuration("session.ttl"),
		RedisURL:             configViper.GetString("redis.url"),
		LocalizeEndpoint:     configViper.GetString("translate.localize_endpoint"),
		LocalizeAPIKey:       configViper.GetString("translate.localize_api_key"),
		FormEndpoint:         configViper.GetString("translate.form_endpoint"),
		FormAPIKey:           configViper.GetString("translate.form_api_key"),
		ReconcilerEndpoint:   configViper.GetString("reconciler.endpoint"),
		ReconcilerAPIKey:     configViper.GetString("reconciler.api_key"),
		ReconcilerModel:      configViper.GetString("reconciler.model"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	return nil
}
