package config

import (
	"fmt"

	"github.com/cyberinferno/go-netsys/logger"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Service == "" {
		return invalid("service is empty")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}

	if err := c.Listen.Validate(); err != nil {
		return err
	}

	if err := c.Connector.Validate(); err != nil {
		return err
	}

	if c.Buffers.MaxEntries < 0 {
		return invalid("buffers.max_entries must not be negative")
	}

	if c.Resolver.CacheTTL < 0 {
		return invalid("resolver.cache_ttl must not be negative")
	}

	return nil
}

// Validate checks listen mode settings. The control channel is always
// required.
func (l *ListenConfig) Validate() error {
	if l.Mode != ModeChannelized && l.Mode != ModePlain {
		return invalid("listen.mode %q", l.Mode)
	}

	if l.ReceiveBuffer < 0 {
		return invalid("listen.receive_buffer must not be negative")
	}

	if !l.Control.Enabled {
		return invalid("listen.control must be enabled")
	}

	for name, ch := range map[string]ChannelConfig{"control": l.Control, "chat": l.Chat, "bulk": l.Bulk} {
		if !ch.Enabled {
			continue
		}

		if err := ch.validate(name, "tcp", "tcp4", "tcp6"); err != nil {
			return err
		}

		if ch.Workers < 1 {
			return invalid("listen.%s.workers must be at least 1", name)
		}

		if ch.PreambleTimeout <= 0 {
			return invalid("listen.%s.preamble_timeout must be positive", name)
		}
	}

	if l.Vector.Enabled {
		if err := l.Vector.validate("vector", "udp", "udp4", "udp6"); err != nil {
			return err
		}
	}

	return nil
}

func (c ChannelConfig) validate(name string, networks ...string) error {
	ok := false
	for _, n := range networks {
		if c.Network == n {
			ok = true
			break
		}
	}

	if !ok {
		return invalid("listen.%s.network %q", name, c.Network)
	}

	if c.Port < 0 || c.Port > 0xffff {
		return invalid("listen.%s.port %d out of range", name, c.Port)
	}

	if c.Backlog < 0 || c.AcceptRate < 0 || c.WaitTimeout < 0 || c.PreambleTimeout < 0 {
		return invalid("listen.%s has a negative limit", name)
	}

	return nil
}

// Validate checks client mode settings.
func (c *ConnectorConfig) Validate() error {
	switch c.Network {
	case "tcp", "tcp4", "tcp6":
	default:
		return invalid("connector.network %q", c.Network)
	}

	if c.Timeout <= 0 {
		return invalid("connector.timeout must be positive")
	}

	if c.RetryInterval <= 0 || c.MaxRetryInterval < c.RetryInterval {
		return invalid("connector retry intervals must be positive and ordered")
	}

	if c.MaxAttempts < 1 {
		return invalid("connector.max_attempts must be at least 1")
	}

	return nil
}
