// Package config provides Viper-based configuration loading for the worldlink server.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this process in logs and health reports.
	Name string `mapstructure:"name"`
	// ShutdownTimeout bounds session logout and event draining on exit.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// WebConfig holds the browser websocket listener settings.
type WebConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Path is the HTTP path upgraded to a websocket.
	Path string `mapstructure:"path"`
	// ReadTimeout closes a connection that sends nothing (pongs included) for this long.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval must be shorter than ReadTimeout.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// SendBuffer is the per-connection outbound frame queue.
	SendBuffer int `mapstructure:"send_buffer"`
	// AllowedOrigins lists accepted Origin headers; empty accepts any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// AdminConfig holds the gRPC health listener settings.
type AdminConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// SessionsConfig tunes account sessions and interactive requests.
type SessionsConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MailboxSize    int           `mapstructure:"mailbox_size"`
	// DialogExpiry, PermissionExpiry, and TeleportExpiry bound how long a
	// prompt waits for the user; zero never expires.
	DialogExpiry     time.Duration `mapstructure:"dialog_expiry"`
	PermissionExpiry time.Duration `mapstructure:"permission_expiry"`
	TeleportExpiry   time.Duration `mapstructure:"teleport_expiry"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	// HistoryLimit caps chat history rows returned per request.
	HistoryLimit int `mapstructure:"history_limit"`
	// StoreTimeout bounds each storage write made on a session's behalf.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

// PresenceConfig holds the browser-visibility presence policy.
type PresenceConfig struct {
	AwayOnBrowserClose  bool `mapstructure:"away_on_browser_close"`
	ReturnOnBrowserOpen bool `mapstructure:"return_on_browser_open"`
}

// WorldConfig locates the protocol bridge.
type WorldConfig struct {
	// BridgeURL is the ws:// or wss:// endpoint of the protocol bridge.
	BridgeURL   string        `mapstructure:"bridge_url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// CallTimeout bounds one request/response exchange with the bridge.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// SecretsConfig holds the credential sealing key.
type SecretsConfig struct {
	// Key is 32 bytes, hex encoded.
	Key string `mapstructure:"key"`
}

// KeyBytes decodes Key.
func (s SecretsConfig) KeyBytes() ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s.Key)
	if err != nil {
		return out, fmt.Errorf("decoding secrets.key: %w", err)
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("secrets.key must decode to %d bytes, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ScriptingConfig configures auto-reply scripts.
type ScriptingConfig struct {
	// Dir holds *.lua auto-reply scripts; empty disables scripting.
	Dir              string `mapstructure:"dir"`
	InstructionLimit int    `mapstructure:"instruction_limit"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Web       WebConfig       `mapstructure:"web"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	World     WorldConfig     `mapstructure:"world"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Scripting ScriptingConfig `mapstructure:"scripting"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	for _, err := range []error{
		validateServer(c.Server),
		validateDatabase(c.Database),
		validateWeb(c.Web),
		validateAdmin(c.Admin),
		validateLogging(c.Logging),
		validateSessions(c.Sessions),
		validateWorld(c.World),
		validateSecrets(c.Secrets),
		validateScripting(c.Scripting),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateWeb(w WebConfig) error {
	var errs []string
	if w.Port < 1 || w.Port > 65535 {
		errs = append(errs, fmt.Sprintf("web.port must be 1-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("web.path must start with '/', got %q", w.Path))
	}
	if w.ReadTimeout <= 0 {
		errs = append(errs, "web.read_timeout must be positive")
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, "web.write_timeout must be positive")
	}
	if w.PingInterval <= 0 || w.PingInterval >= w.ReadTimeout {
		errs = append(errs, "web.ping_interval must be positive and shorter than web.read_timeout")
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("web.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	var errs []string
	if a.GRPCHost == "" {
		errs = append(errs, "admin.grpc_host must not be empty")
	}
	if a.GRPCPort < 1 || a.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 1-65535, got %d", a.GRPCPort))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateSessions(s SessionsConfig) error {
	var errs []string
	if s.ConnectTimeout <= 0 {
		errs = append(errs, "sessions.connect_timeout must be positive")
	}
	if s.MailboxSize < 1 {
		errs = append(errs, fmt.Sprintf("sessions.mailbox_size must be >= 1, got %d", s.MailboxSize))
	}
	if s.DialogExpiry < 0 || s.PermissionExpiry < 0 || s.TeleportExpiry < 0 {
		errs = append(errs, "sessions expiries must not be negative")
	}
	if s.SweepInterval <= 0 {
		errs = append(errs, "sessions.sweep_interval must be positive")
	}
	if s.HistoryLimit < 1 {
		errs = append(errs, fmt.Sprintf("sessions.history_limit must be >= 1, got %d", s.HistoryLimit))
	}
	if s.StoreTimeout <= 0 {
		errs = append(errs, "sessions.store_timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateWorld(w WorldConfig) error {
	var errs []string
	u, err := url.Parse(w.BridgeURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("world.bridge_url must be a ws:// or wss:// URL, got %q", w.BridgeURL))
	}
	if w.DialTimeout <= 0 {
		errs = append(errs, "world.dial_timeout must be positive")
	}
	if w.CallTimeout <= 0 {
		errs = append(errs, "world.call_timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateSecrets(s SecretsConfig) error {
	if _, err := s.KeyBytes(); err != nil {
		return err
	}
	return nil
}

func validateScripting(s ScriptingConfig) error {
	if s.InstructionLimit < 0 {
		return fmt.Errorf("scripting.instruction_limit must be >= 0, got %d", s.InstructionLimit)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with WORLDLINK_ prefix
	v.SetEnvPrefix("WORLDLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance holding only the built-in defaults.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "worldlink")
	v.SetDefault("server.shutdown_timeout", "20s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "worldlink")
	v.SetDefault("database.password", "worldlink")
	v.SetDefault("database.name", "worldlink")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("web.host", "0.0.0.0")
	v.SetDefault("web.port", 8080)
	v.SetDefault("web.path", "/ws")
	v.SetDefault("web.read_timeout", "60s")
	v.SetDefault("web.write_timeout", "10s")
	v.SetDefault("web.ping_interval", "25s")
	v.SetDefault("web.send_buffer", 128)

	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 50061)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("sessions.connect_timeout", "60s")
	v.SetDefault("sessions.mailbox_size", 32)
	v.SetDefault("sessions.dialog_expiry", "10m")
	v.SetDefault("sessions.permission_expiry", "5m")
	v.SetDefault("sessions.teleport_expiry", "5m")
	v.SetDefault("sessions.sweep_interval", "15s")
	v.SetDefault("sessions.history_limit", 200)
	v.SetDefault("sessions.store_timeout", "5s")

	v.SetDefault("presence.away_on_browser_close", false)
	v.SetDefault("presence.return_on_browser_open", false)

	v.SetDefault("world.bridge_url", "ws://127.0.0.1:9300/bridge")
	v.SetDefault("world.dial_timeout", "10s")
	v.SetDefault("world.call_timeout", "30s")

	v.SetDefault("scripting.dir", "")
	v.SetDefault("scripting.instruction_limit", 100000)
}
