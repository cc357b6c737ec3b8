package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "HUDDLE"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "huddle.db"
	defaultLogLevel             = "info"
	defaultCookieName           = "app_session"
	defaultSessionIssuer        = "tauth"
	defaultTokenTTL             = 24 * time.Hour
	defaultVerifyTimeout        = 5 * time.Second
	defaultPersistTimeout       = 5 * time.Second
	defaultSendBuffer           = 64
	defaultSubmitRate           = 5.0
	defaultSubmitBurst          = 20
	defaultMaxFrameBytes        = 64 * 1024
	defaultPingInterval         = 30 * time.Second
	defaultWriteTimeout         = 10 * time.Second
	defaultMaxContentLength     = 4000
	defaultEnforceAuthorization = true
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	SessionIssuer     string
	SessionCookieName string
	TokenTTL          time.Duration
	Realtime          RealtimeConfig
	MaxContentLength  int
}

// RealtimeConfig holds the websocket fan-out tuning knobs.
type RealtimeConfig struct {
	VerifyTimeout        time.Duration
	PersistTimeout       time.Duration
	SendBuffer           int
	SubmitRate           float64
	SubmitBurst          int
	MaxFrameBytes        int64
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	EnforceAuthorization bool
	AllowedOrigins       []string
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
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("realtime.verify_timeout", defaultVerifyTimeout)
	configViper.SetDefault("realtime.persist_timeout", defaultPersistTimeout)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.submit_rate", defaultSubmitRate)
	configViper.SetDefault("realtime.submit_burst", defaultSubmitBurst)
	configViper.SetDefault("realtime.max_frame_bytes", defaultMaxFrameBytes)
	configViper.SetDefault("realtime.ping_interval", defaultPingInterval)
	configViper.SetDefault("realtime.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("realtime.enforce_authorization", defaultEnforceAuthorization)
	configViper.SetDefault("realtime.allowed_origins", []string{})
	configViper.SetDefault("messages.max_content_length", defaultMaxContentLength)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		SessionCookieName: configViper.GetString("auth.cookie_name"),
		TokenTTL:          configViper.GetDuration("auth.token_ttl"),
		Realtime: RealtimeConfig{
			VerifyTimeout:        configViper.GetDuration("realtime.verify_timeout"),
			PersistTimeout:       configViper.GetDuration("realtime.persist_timeout"),
			SendBuffer:           configViper.GetInt("realtime.send_buffer"),
			SubmitRate:           configViper.GetFloat64("realtime.submit_rate"),
			SubmitBurst:          configViper.GetInt("realtime.submit_burst"),
			MaxFrameBytes:        configViper.GetInt64("realtime.max_frame_bytes"),
			PingInterval:         configViper.GetDuration("realtime.ping_interval"),
			WriteTimeout:         configViper.GetDuration("realtime.write_timeout"),
			EnforceAuthorization: configViper.GetBool("realtime.enforce_authorization"),
			AllowedOrigins:       normalizeOrigins(configViper.GetStringSlice("realtime.allowed_origins")),
		},
		MaxContentLength: configViper.GetInt("messages.max_content_length"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("messages.max_content_length must be positive")
	}
	return c.Realtime.validate()
}

func (c RealtimeConfig) validate() error {
	if c.VerifyTimeout <= 0 {
		return fmt.Errorf("realtime.verify_timeout must be positive")
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("realtime.persist_timeout must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.SubmitRate <= 0 || c.SubmitBurst <= 0 {
		return fmt.Errorf("realtime.submit_rate and realtime.submit_burst must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("realtime.max_frame_bytes must be positive")
	}
	if c.PingInterval <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("realtime.ping_interval and realtime.write_timeout must be positive")
	}
	return nil
}

func normalizeOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
