package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "c29tZV9zZWNyZXQ="

func validConfig() Config {
	cfg := defaultConfig()
	cfg.Database.DSN = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
	cfg.SigningSecret = testSecret
	return cfg
}

func TestValidate(t *testing.T) {
	tcases := []struct {
		name   string
		modify func(c *Config)
		err    bool
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
			err:    false,
		},
		{
			name:   "empty address",
			modify: func(c *Config) { c.ServerAddr = "" },
			err:    true,
		},
		{
			name:   "empty DSN",
			modify: func(c *Config) { c.Database.DSN = "" },
			err:    true,
		},
		{
			name:   "unsupported driver",
			modify: func(c *Config) { c.Database.Driver = "mysql" },
			err:    true,
		},
		{
			name:   "empty signing key",
			modify: func(c *Config) { c.SigningSecret = "" },
			err:    true,
		},
		{
			name:   "signing key not base64",
			modify: func(c *Config) { c.SigningSecret = "not base64!" },
			err:    true,
		},
		{
			name:   "unknown bus",
			modify: func(c *Config) { c.Bus.Kind = "kafka" },
			err:    true,
		},
		{
			name:   "nats without url",
			modify: func(c *Config) { c.Bus.URL = "" },
			err:    true,
		},
		{
			name: "embedded nats without url",
			modify: func(c *Config) {
				c.Bus.URL = ""
				c.Bus.Embedded = true
			},
			err: false,
		},
		{
			name: "redis without address",
			modify: func(c *Config) {
				c.Bus.Kind = BusRedis
				c.Bus.RedisAddr = ""
			},
			err: true,
		},
		{
			name:   "local bus",
			modify: func(c *Config) { c.Bus.Kind = BusLocal },
			err:    false,
		},
		{
			name:   "no code attempts",
			modify: func(c *Config) { c.Rooms.MaxAttempts = 0 },
			err:    true,
		},
		{
			name:   "unknown log format",
			modify: func(c *Config) { c.Log.Format = "xml" },
			err:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.modify(&cfg)

			err := cfg.Validate()
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)
			assert.Equal(t, []byte("some_secret"), cfg.SigningKey, "expected signing key to be decoded")
		})
	}
}

func Test_decodeSigningSecret(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		err          bool
	}{
		{
			name:         "valid secret",
			base64Secret: testSecret,
			expectedKey:  []byte("some_secret"),
		},
		{
			name:         "invalid secret",
			base64Secret: "%%%",
			err:          true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.err {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expectedKey, key)
		})
	}
}

func Test_envKey(t *testing.T) {
	assert.Equal(t, "server_addr", envKey("MAPROOM_SERVER_ADDR"))
	assert.Equal(t, "database.dsn", envKey("MAPROOM_DATABASE_DSN"))
	assert.Equal(t, "bus.redis_addr", envKey("MAPROOM_BUS_REDIS_ADDR"))
	assert.Equal(t, "gateway.join_rate", envKey("MAPROOM_GATEWAY_JOIN_RATE"))
	assert.Equal(t, "allowed_origins", envKey("MAPROOM_ALLOWED_ORIGINS"))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maproom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr: ":9000"
signing_secret: "c29tZV9zZWNyZXQ="
database:
  driver: sqlite
  dsn: "file:maproom.db"
bus:
  kind: redis
  redis_addr: "cache:6379"
gateway:
  join_rate: 2.5
`), 0o600))

	t.Setenv("MAPROOM_BUS_BREAKER_TIMEOUT", "30s")
	t.Setenv("MAPROOM_ALLOWED_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("MAPROOM_LOG_LEVEL", "debug")
	t.Setenv("MAPROOM_ROOMS_MIXED_CASE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file:maproom.db", cfg.Database.DSN)
	assert.True(t, cfg.Database.Migrate, "expected default to survive the file layer")
	assert.Equal(t, BusRedis, cfg.Bus.Kind)
	assert.Equal(t, "cache:6379", cfg.Bus.RedisAddr)
	assert.Equal(t, uint64(10), cfg.Bus.RedisConnectRetries, "expected startup retries by default")
	assert.Equal(t, 30*time.Second, cfg.Bus.BreakerTimeout)
	assert.Equal(t, 2.5, cfg.Gateway.JoinRate)
	assert.Equal(t, 3, cfg.Gateway.JoinBurst)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Rooms.MixedCase)
	assert.Equal(t, []byte("some_secret"), cfg.SigningKey)
}

func TestLoad_envOnly(t *testing.T) {
	t.Setenv("MAPROOM_DATABASE_DSN", "postgres://localhost/maproom")
	t.Setenv("MAPROOM_SIGNING_SECRET", testSecret)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.ServerAddr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, BusNATS, cfg.Bus.Kind)
	assert.Equal(t, 5*time.Second, cfg.Gateway.LookupTimeout)
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
