package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "MAPROOM_"

const (
	BusNATS  = "nats"
	BusRedis = "redis"
	BusLocal = "local"
)

type Config struct {
	ServerAddr     string        `koanf:"server_addr"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	SigningSecret  string        `koanf:"signing_secret"`
	SigningKey     []byte        `koanf:"-"`
	ShutdownGrace  time.Duration `koanf:"shutdown_grace"`

	Database DatabaseConfig `koanf:"database"`
	Rooms    RoomsConfig    `koanf:"rooms"`
	Bus      BusConfig      `koanf:"bus"`
	Gateway  GatewayConfig  `koanf:"gateway"`
	Log      LogConfig      `koanf:"log"`
}

type DatabaseConfig struct {
	Driver  string `koanf:"driver"`
	DSN     string `koanf:"dsn"`
	Migrate bool   `koanf:"migrate"`
}

type RoomsConfig struct {
	// MixedCase switches codes to [a-zA-Z0-9], which makes them case
	// sensitive.
	MixedCase   bool `koanf:"mixed_case"`
	MaxAttempts int  `koanf:"max_attempts"`
}

type BusConfig struct {
	Kind         string `koanf:"kind"`
	URL          string `koanf:"url"`
	Prefix       string `koanf:"prefix"`
	Embedded     bool   `koanf:"embedded"`
	EmbeddedHost string `koanf:"embedded_host"`
	EmbeddedPort int    `koanf:"embedded_port"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// RedisConnectRetries bounds the startup ping; retries back off
	// exponentially up to 5s apart.
	RedisConnectRetries uint64 `koanf:"redis_connect_retries"`

	BreakerThreshold uint32        `koanf:"breaker_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

type GatewayConfig struct {
	JoinRate      float64       `koanf:"join_rate"`
	JoinBurst     int           `koanf:"join_burst"`
	LookupTimeout time.Duration `koanf:"lookup_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() Config {
	return Config{
		ServerAddr:     ":8000",
		AllowedOrigins: []string{},
		ShutdownGrace:  10 * time.Second,
		Database: DatabaseConfig{
			Driver:  "postgres",
			Migrate: true,
		},
		Rooms: RoomsConfig{
			MaxAttempts: 1000,
		},
		Bus: BusConfig{
			Kind:                BusNATS,
			URL:                 "nats://127.0.0.1:4222",
			Prefix:              "maproom",
			EmbeddedHost:        "127.0.0.1",
			EmbeddedPort:        4222,
			RedisAddr:           "127.0.0.1:6379",
			RedisConnectRetries: 10,
			BreakerThreshold:    3,
			BreakerTimeout:      5 * time.Second,
		},
		Gateway: GatewayConfig{
			JoinRate:      1,
			JoinBurst:     3,
			LookupTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var sections = map[string]bool{
	"database": true,
	"rooms":    true,
	"bus":      true,
	"gateway":  true,
	"log":      true,
}

// envKey maps MAPROOM_BUS_REDIS_ADDR to bus.redis_addr and
// MAPROOM_SERVER_ADDR to server_addr.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if section, rest, ok := strings.Cut(key, "_"); ok && sections[section] {
		return section + "." + rest
	}
	return key
}

// Load layers defaults, the optional YAML file at path and MAPROOM_*
// environment variables, in increasing priority.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = envKey(key)
		if key == "allowed_origins" {
			return key, splitList(value)
		}
		return key, value
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks required settings and decodes the signing key.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	switch c.Bus.Kind {
	case BusNATS:
		if c.Bus.URL == "" && !c.Bus.Embedded {
			return fmt.Errorf("nats bus requires a url or an embedded server")
		}
	case BusRedis:
		if c.Bus.RedisAddr == "" {
			return fmt.Errorf("redis bus requires an address")
		}
	case BusLocal:
	default:
		return fmt.Errorf("unsupported bus kind %q", c.Bus.Kind)
	}

	if c.Rooms.MaxAttempts <= 0 {
		return fmt.Errorf("rooms.max_attempts must be positive")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}

	return nil
}
