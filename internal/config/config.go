// Package config loads settings for both binaries. Values are layered:
// built-in defaults, then a TOML file, then .env, then the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Addr        string        `toml:"addr"`
	Mode        string        `toml:"mode"` // "dev" or "release"
	UploadDir   string        `toml:"uploadDir"`
	PublicURL   string        `toml:"publicURL"`
	CORSOrigins []string      `toml:"corsOrigins"`
	SSLRedirect bool          `toml:"sslRedirect"`
	PollTimeout time.Duration `toml:"pollTimeout"`
	PollIdle    time.Duration `toml:"pollIdle"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // "postgres" or "sqlite"
	URL    string `toml:"url"`
}

type AuthConfig struct {
	JWTSecret string        `toml:"jwtSecret"`
	TokenTTL  time.Duration `toml:"tokenTTL"`
	Issuer    string        `toml:"issuer"`
}

type LogConfig struct {
	FileName   string `toml:"fileName"`
	MaxSize    int    `toml:"maxSize"`
	MaxBackups int    `toml:"maxBackups"`
	MaxAge     int    `toml:"maxAge"`
	Level      string `toml:"level"`
}

type LimitsConfig struct {
	MaxConnectionsPerIP int `toml:"maxConnectionsPerIP"`
	AuthAttemptsPerMin  int `toml:"authAttemptsPerMin"`
}

// ClientConfig holds the realtime and REST endpoints plus the reconnection policy.
type ClientConfig struct {
	APIURL               string        `toml:"apiURL"`
	SocketURL            string        `toml:"socketURL"`
	MaxReconnectAttempts int           `toml:"maxReconnectAttempts"`
	ReconnectDelay       time.Duration `toml:"reconnectDelay"`
	Timeout              time.Duration `toml:"timeout"`
	AckTimeout           time.Duration `toml:"ackTimeout"`
	Transports           []string      `toml:"transports"`
	WithCredentials      bool          `toml:"withCredentials"`
	HTTPTimeout          time.Duration `toml:"httpTimeout"`
}

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Log      LogConfig      `toml:"log"`
	Limits   LimitsConfig   `toml:"limits"`
	Client   ClientConfig   `toml:"client"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":3567",
			Mode:        "release",
			UploadDir:   "uploads",
			CORSOrigins: []string{"http://localhost:3000"},
			PollTimeout: 25 * time.Second,
			PollIdle:    60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "postgres",
			URL:    "postgres://localhost/estatemsg?sslmode=disable",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
			Issuer:   "estatemsg",
		},
		Log: LogConfig{
			FileName:   "logs/estatemsg.log",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Level:      "info",
		},
		Limits: LimitsConfig{
			MaxConnectionsPerIP: 10,
			AuthAttemptsPerMin:  5,
		},
		Client: ClientConfig{
			APIURL:               "http://localhost:3567",
			SocketURL:            "http://localhost:3567",
			MaxReconnectAttempts: 5,
			ReconnectDelay:       time.Second,
			Timeout:              20 * time.Second,
			AckTimeout:           10 * time.Second,
			Transports:           []string{"websocket", "polling"},
			WithCredentials:      true,
			HTTPTimeout:          30 * time.Second,
		},
	}
}

var searchPaths = []string{
	"configs/config_local.toml",
	"configs/config.toml",
}

// Load builds the configuration. An explicit path must exist; otherwise the
// search paths are tried and a missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	} else {
		for _, p := range searchPaths {
			_, err := toml.DecodeFile(p, &cfg)
			if err == nil {
				break
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return cfg, fmt.Errorf("decode config %s: %w", p, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	// legacy names first
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	setString(&cfg.Database.URL, "DATABASE_URL")

	setString(&cfg.Server.Addr, "ESTATEMSG_ADDR")
	setString(&cfg.Server.Mode, "ESTATEMSG_MODE")
	setString(&cfg.Server.UploadDir, "ESTATEMSG_UPLOAD_DIR")
	setString(&cfg.Server.PublicURL, "ESTATEMSG_PUBLIC_URL")
	setList(&cfg.Server.CORSOrigins, "ESTATEMSG_CORS_ORIGINS")
	setString(&cfg.Database.Driver, "ESTATEMSG_DB_DRIVER")
	setString(&cfg.Database.URL, "ESTATEMSG_DATABASE_URL")
	setString(&cfg.Auth.JWTSecret, "ESTATEMSG_JWT_SECRET")
	setString(&cfg.Log.FileName, "ESTATEMSG_LOG_FILE")
	setString(&cfg.Log.Level, "ESTATEMSG_LOG_LEVEL")
	setString(&cfg.Client.APIURL, "ESTATEMSG_API_URL")
	setString(&cfg.Client.SocketURL, "ESTATEMSG_SOCKET_URL")
	setList(&cfg.Client.Transports, "ESTATEMSG_TRANSPORTS")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Limits.MaxConnectionsPerIP, "MAX_CONNECTIONS_PER_IP"},
		{&cfg.Limits.AuthAttemptsPerMin, "AUTH_ATTEMPTS_PER_MIN"},
		{&cfg.Client.MaxReconnectAttempts, "ESTATEMSG_MAX_RECONNECT_ATTEMPTS"},
	}
	for _, e := range ints {
		if err := setInt(e.dst, e.key); err != nil {
			return err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.Auth.TokenTTL, "ESTATEMSG_TOKEN_TTL"},
		{&cfg.Server.PollTimeout, "ESTATEMSG_POLL_TIMEOUT"},
		{&cfg.Client.ReconnectDelay, "ESTATEMSG_RECONNECT_DELAY"},
		{&cfg.Client.Timeout, "ESTATEMSG_CONNECT_TIMEOUT"},
		{&cfg.Client.AckTimeout, "ESTATEMSG_ACK_TIMEOUT"},
	}
	for _, e := range durations {
		if err := setDuration(e.dst, e.key); err != nil {
			return err
		}
	}

	if v := os.Getenv("ESTATEMSG_WITH_CREDENTIALS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ESTATEMSG_WITH_CREDENTIALS: %w", err)
		}
		cfg.Client.WithCredentials = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
