// Package config defines runtime settings for sportrts, installs their
// defaults in viper and loads overrides from a config file and the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SPORTRTS_SERVER_PORT.
const EnvPrefix = "SPORTRTS"

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// ListenOn is the interface the HTTP server binds to.
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required"`
	// Port is the TCP port.
	Port uint16 `mapstructure:"port" json:"port" validate:"required,gt=0"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout" validate:"gte=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" json:"idle_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
	// AllowedOrigins lists origins permitted to open WebSocket connections.
	// "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
	// TrustProxyHeaders takes the client identity from X-Forwarded-For.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers" json:"trust_proxy_headers"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.ListenOn, s.Port)
}

// BrokerConfig holds WebSocket fan-out settings.
type BrokerConfig struct {
	// MaxMessageSize caps inbound frame size in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size" validate:"gt=0"`
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gt=0"`
	// SendTimeout bounds how long fan-out waits on a full queue.
	SendTimeout time.Duration `mapstructure:"send_timeout" json:"send_timeout" validate:"gt=0"`
	// WriteTimeout is the socket write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout" validate:"gt=0"`
	// PingInterval is the liveness sweep period.
	PingInterval time.Duration `mapstructure:"ping_interval" json:"ping_interval" validate:"gt=0"`
	// RejectUnknownMessages replies with an error to unrecognised messages
	// instead of ignoring them.
	RejectUnknownMessages bool `mapstructure:"reject_unknown_messages" json:"reject_unknown_messages"`
}

// WindowConfig is one fixed-window limiter.
type WindowConfig struct {
	Window time.Duration `mapstructure:"window" json:"window" validate:"gt=0"`
	Max    int           `mapstructure:"max" json:"max" validate:"gt=0"`
}

// GlobalRateConfig is the process-wide token bucket in front of the gate.
type GlobalRateConfig struct {
	// Rate is requests per second; zero disables the bucket.
	Rate  float64 `mapstructure:"rate" json:"rate" validate:"gte=0"`
	Burst int     `mapstructure:"burst" json:"burst" validate:"gte=0"`
}

// LimitsConfig groups the limiter instances.
type LimitsConfig struct {
	Request       WindowConfig     `mapstructure:"request" json:"request" validate:"required"`
	Connection    WindowConfig     `mapstructure:"connection" json:"connection" validate:"required"`
	SweepInterval time.Duration    `mapstructure:"sweep_interval" json:"sweep_interval" validate:"gt=0"`
	Global        GlobalRateConfig `mapstructure:"global" json:"global"`
}

// AdmissionConfig holds gate policy.
type AdmissionConfig struct {
	ThreatThreshold     int      `mapstructure:"threat_threshold" json:"threat_threshold" validate:"gt=0"`
	FilterBotsOnUpgrade bool     `mapstructure:"filter_bots_on_upgrade" json:"filter_bots_on_upgrade"`
	DenyEmptyUserAgent  bool     `mapstructure:"deny_empty_user_agent" json:"deny_empty_user_agent"`
	AllowedBotTokens    []string `mapstructure:"allowed_bot_tokens" json:"allowed_bot_tokens"`
}

// StoreConfig locates the sqlite database.
type StoreConfig struct {
	Path string `mapstructure:"path" json:"path" validate:"required"`
}

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" json:"server" validate:"required"`
	Broker    BrokerConfig    `mapstructure:"broker" json:"broker" validate:"required"`
	Limits    LimitsConfig    `mapstructure:"limits" json:"limits" validate:"required"`
	Admission AdmissionConfig `mapstructure:"admission" json:"admission" validate:"required"`
	Store     StoreConfig     `mapstructure:"store" json:"store" validate:"required"`
}

// InstallDefaults installs default values in v.
func InstallDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_on", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.trust_proxy_headers", false)

	v.SetDefault("broker.max_message_size", 1<<20)
	v.SetDefault("broker.send_buffer", 256)
	v.SetDefault("broker.send_timeout", 50*time.Millisecond)
	v.SetDefault("broker.write_timeout", 10*time.Second)
	v.SetDefault("broker.ping_interval", 30*time.Second)
	v.SetDefault("broker.reject_unknown_messages", false)

	v.SetDefault("limits.request.window", 10*time.Second)
	v.SetDefault("limits.request.max", 50)
	v.SetDefault("limits.connection.window", 2*time.Second)
	v.SetDefault("limits.connection.max", 5)
	v.SetDefault("limits.sweep_interval", 60*time.Second)
	v.SetDefault("limits.global.rate", 10.0)
	v.SetDefault("limits.global.burst", 100)

	v.SetDefault("admission.threat_threshold", 5)
	v.SetDefault("admission.filter_bots_on_upgrade", false)
	v.SetDefault("admission.deny_empty_user_agent", true)
	v.SetDefault("admission.allowed_bot_tokens", []string{"search_engine", "preview"})

	v.SetDefault("store.path", "sportrts.db")
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	InstallDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration produced by the defaults alone.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults are static and always valid.
		panic(err)
	}
	return cfg
}

// Load reads defaults, the optional config file and environment overrides,
// then validates the result.
func Load(file string) (*Config, error) {
	v := NewViper()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)
	cfg.Admission.AllowedBotTokens = splitList(cfg.Admission.AllowedBotTokens)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// splitList expands comma separated entries, which is how list values arrive
// from environment variables, and drops blanks.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
