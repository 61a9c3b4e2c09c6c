package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "netsys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	t.Run("defaults validate", func(t *testing.T) {
		assert.NoError(t, Default().Validate())
	})

	t.Run("empty path loads defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})
}

func TestLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
service: gamehost
listen:
  mode: plain
  control:
    port: 19840
    workers: 4
    backlog: 16
    wait_timeout: 250ms
  chat:
    enabled: false
connector:
  max_attempts: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	t.Run("file values override defaults", func(t *testing.T) {
		assert.Equal(t, "gamehost", cfg.Service)
		assert.Equal(t, ModePlain, cfg.Listen.Mode)
		assert.Equal(t, 19840, cfg.Listen.Control.Port)
		assert.Equal(t, 4, cfg.Listen.Control.Workers)
		assert.Equal(t, 16, cfg.Listen.Control.Backlog)
		assert.Equal(t, 250*time.Millisecond, cfg.Listen.Control.WaitTimeout)
		assert.False(t, cfg.Listen.Chat.Enabled)
		assert.Equal(t, 3, cfg.Connector.MaxAttempts)
	})

	t.Run("unset keys keep defaults", func(t *testing.T) {
		assert.Equal(t, "tcp", cfg.Listen.Control.Network)
		assert.Equal(t, 19742, cfg.Listen.Bulk.Port)
		assert.Equal(t, 5*time.Second, cfg.Connector.Timeout)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("NETSYS_LISTEN_CONTROL_PORT", "20000")
	t.Setenv("NETSYS_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20000, cfg.Listen.Control.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown mode", func(c *Config) { c.Listen.Mode = "mesh" }},
		{"control disabled", func(c *Config) { c.Listen.Control.Enabled = false }},
		{"control without workers", func(c *Config) { c.Listen.Control.Workers = 0 }},
		{"datagram network on a stream channel", func(c *Config) { c.Listen.Chat.Network = "udp" }},
		{"stream network on the vector channel", func(c *Config) { c.Listen.Vector.Network = "tcp" }},
		{"port out of range", func(c *Config) { c.Listen.Bulk.Port = 70000 }},
		{"negative backlog", func(c *Config) { c.Listen.Control.Backlog = -1 }},
		{"unbounded chat preamble", func(c *Config) { c.Listen.Chat.PreambleTimeout = 0 }},
		{"unbounded control greeting", func(c *Config) { c.Listen.Control.PreambleTimeout = 0 }},
		{"zero connect timeout", func(c *Config) { c.Connector.Timeout = 0 }},
		{"retry ceiling below interval", func(c *Config) { c.Connector.MaxRetryInterval = time.Millisecond }},
		{"no connect attempts", func(c *Config) { c.Connector.MaxAttempts = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"negative buffer bound", func(c *Config) { c.Buffers.MaxEntries = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	t.Run("disabled channels are not checked", func(t *testing.T) {
		cfg := Default()
		cfg.Listen.Chat = ChannelConfig{}
		cfg.Listen.Vector = ChannelConfig{}
		assert.NoError(t, cfg.Validate())
	})
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "listen:\n  control:\n    accept_rate: 10\n")

	changes := make(chan *Config, 4)
	failures := make(chan error, 4)
	w, err := Watch(path, func(c *Config) {
		select {
		case changes <- c:
		default:
		}
	}, func(err error) {
		select {
		case failures <- err:
		default:
		}
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	t.Run("rewrite delivers the new config", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("listen:\n  control:\n    accept_rate: 50\n"), 0o644))

		// A rewrite may surface as truncate then write; wait for the final content.
		deadline := time.After(5 * time.Second)
		for {
			select {
			case c := <-changes:
				if c.Listen.Control.AcceptRate == 50 {
					return
				}
			case <-deadline:
				t.Fatal("no reload observed")
			}
		}
	})

	t.Run("invalid rewrite reports an error", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("listen:\n  mode: mesh\n"), 0o644))

		select {
		case err := <-failures:
			assert.ErrorIs(t, err, ErrInvalid)
		case <-time.After(5 * time.Second):
			t.Fatal("no error observed")
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		w2, err := Watch(path, func(*Config) {}, nil)
		require.NoError(t, err)
		assert.NoError(t, w2.Close())
		assert.NoError(t, w2.Close())
	})
}
