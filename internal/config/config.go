package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Callback delivery modes.
const (
	CallbackModeJSON     = "json"
	CallbackModeRedirect = "redirect"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel string `json:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Calendar CalendarConfig `json:"calendar"`
	Audit    AuditConfig    `json:"audit"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Port            int      `json:"port" env:"PORT" validate:"gte=0,lte=65535"`
	MetricsPort     int      `json:"metrics_port" env:"METRICS_PORT" validate:"gte=0,lte=65535"`
	ShutdownTimeout Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"min=1s"`
}

// AuthConfig configures the client registration with the identity provider.
type AuthConfig struct {
	ClientID     string `json:"client_id" env:"CLIENT_ID" validate:"required"`
	ClientSecret string `json:"client_secret" env:"CLIENT_SECRET" validate:"required"`
	TenantID     string `json:"tenant_id" env:"TENANT_ID" validate:"required"`
	RedirectURI  string `json:"redirect_uri" env:"REDIRECT_URI" validate:"required,url"`

	// AuthorizeURL and TokenURL replace the tenant endpoints when both are set.
	AuthorizeURL string `json:"authorize_url" env:"AUTHORIZE_URL" validate:"omitempty,url"`
	TokenURL     string `json:"token_url" env:"TOKEN_URL" validate:"omitempty,url"`

	CallbackMode string `json:"callback_mode" env:"CALLBACK_MODE" validate:"oneof=json redirect"`
	FrontendURL  string `json:"frontend_url" env:"FRONTEND_URL" validate:"omitempty,url"`

	PendingTTL      Duration `json:"pending_ttl" env:"PENDING_TTL" validate:"min=1m"`
	SweepInterval   Duration `json:"sweep_interval" env:"SWEEP_INTERVAL" validate:"min=1s"`
	ExchangeTimeout Duration `json:"exchange_timeout" env:"EXCHANGE_TIMEOUT" validate:"min=1s,max=60s"`

	// LoginRateLimit is the sustained /auth/login rate per client IP; 0 disables limiting.
	LoginRateLimit float64 `json:"login_rate_limit" env:"LOGIN_RATE_LIMIT" validate:"gte=0"`
	LoginRateBurst int     `json:"login_rate_burst" env:"LOGIN_RATE_BURST" validate:"gte=1"`
}

// CalendarConfig configures the downstream calendar API.
type CalendarConfig struct {
	GraphBaseURL    string   `json:"graph_base_url" env:"GRAPH_BASE_URL" validate:"required,url"`
	DefaultTimeZone string   `json:"default_time_zone" env:"DEFAULT_TIME_ZONE" validate:"required"`
	Timeout         Duration `json:"timeout" env:"CALENDAR_TIMEOUT" validate:"min=1s"`
}

// AuditConfig configures the optional flow audit log. An empty DBPath disables it.
type AuditConfig struct {
	DBPath     string   `json:"db_path" env:"AUDIT_DB_PATH"`
	NumWorkers int      `json:"num_workers" env:"AUDIT_WORKERS" validate:"min=1"`
	QueueSize  int      `json:"queue_size" env:"AUDIT_QUEUE_SIZE" validate:"min=1"`
	Retention  Duration `json:"retention" env:"AUDIT_RETENTION" validate:"min=1h"`
}

// Duration is a wrapper around time.Duration that implements JSON marshaling/unmarshaling
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("invalid duration")
	}
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalText lets environment variables carry durations such as "10m".
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            3000,
			MetricsPort:     9090,
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Auth: AuthConfig{
			CallbackMode:    CallbackModeJSON,
			PendingTTL:      Duration{10 * time.Minute},
			SweepInterval:   Duration{time.Minute},
			ExchangeTimeout: Duration{15 * time.Second},
			LoginRateLimit:  1,
			LoginRateBurst:  10,
		},
		Calendar: CalendarConfig{
			GraphBaseURL:    "https://graph.microsoft.com/v1.0",
			DefaultTimeZone: "UTC",
			Timeout:         Duration{15 * time.Second},
		},
		Audit: AuditConfig{
			NumWorkers: 1,
			QueueSize:  100,
			Retention:  Duration{30 * 24 * time.Hour},
		},
	}
}

// Load builds the configuration from defaults, the optional JSON file at
// path, and the environment, in that order, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validate := validator.New()

	// Register custom validation for Duration
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if duration, ok := field.Interface().(Duration); ok {
			return duration.Duration
		}
		return nil
	}, Duration{})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	// Additional custom validations
	if c.Auth.CallbackMode == CallbackModeRedirect && c.Auth.FrontendURL == "" {
		return errors.New("frontend_url is required when callback_mode is redirect")
	}
	if (c.Auth.AuthorizeURL == "") != (c.Auth.TokenURL == "") {
		return errors.New("authorize_url and token_url must be set together")
	}

	return nil
}
