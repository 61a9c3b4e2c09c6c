// Package connector opens the client side of a channel: it resolves the
// target, connects with bounded retry and exponential backoff, and shuts
// the connection down in order.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberinferno/go-netsys/addrresolver"
	"github.com/cyberinferno/go-netsys/config"
	"github.com/cyberinferno/go-netsys/logger"
	"github.com/cyberinferno/go-netsys/metrics"
	"github.com/cyberinferno/go-netsys/perfmonitor"
	"github.com/cyberinferno/go-netsys/session"
)

var (
	// ErrExhausted is returned when every attempt failed transiently.
	ErrExhausted = errors.New("connector: connect attempts exhausted")

	// ErrNotConnected is returned by I/O helpers on a connector that is not
	// connected.
	ErrNotConnected = errors.New("connector: not connected")
)

// Config holds connect settings for one channel.
type Config struct {
	// Network is tcp, tcp4, tcp6, udp, udp4 or udp6.
	Network string
	// Address is the host name or literal to connect to.
	Address string
	Port    int
	// Timeout bounds every single attempt and the session id read.
	Timeout time.Duration
	// RetryInterval is the first backoff; it doubles up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	// MaxAttempts counts the first attempt too.
	MaxAttempts int
}

// DefaultConfig returns a stream Config for host:port with defaults:
// Timeout 5s, RetryInterval 100ms doubling to 2s, 10 attempts.
//
// Parameters:
//   - host: The host to connect to
//   - port: The remote port
//
// Returns:
//   - A Config ready for Dial
func DefaultConfig(host string, port int) Config {
	return Config{
		Network:          "tcp",
		Address:          host,
		Port:             port,
		Timeout:          5 * time.Second,
		RetryInterval:    100 * time.Millisecond,
		MaxRetryInterval: 2 * time.Second,
		MaxAttempts:      10,
	}
}

// ConfigFrom builds a Config from the connector settings for network and
// host:port.
func ConfigFrom(c config.ConnectorConfig, network, host string, port int) Config {
	return Config{
		Network:          network,
		Address:          host,
		Port:             port,
		Timeout:          c.Timeout,
		RetryInterval:    c.RetryInterval,
		MaxRetryInterval: c.MaxRetryInterval,
		MaxAttempts:      c.MaxAttempts,
	}
}

func (c Config) validate() error {
	if c.Timeout <= 0 || c.RetryInterval <= 0 || c.MaxRetryInterval < c.RetryInterval {
		return fmt.Errorf("connector: timeouts must be positive and ordered")
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("connector: max attempts must be at least 1")
	}

	_, err := addrresolver.FamilyOf(c.Network)
	return err
}

// Deps are the optional collaborators of a Connector.
type Deps struct {
	Logger   logger.Logger
	Metrics  *metrics.Collector
	Resolver addrresolver.Resolver
	OnState  ConnectionStateHandler
}

// Connector is one connected client channel. It is safe for concurrent use.
type Connector struct {
	cfg     Config
	log     logger.Logger
	onState ConnectionStateHandler
	target  netip.AddrPort
	conn    net.Conn

	mu        sync.RWMutex
	state     ConnectionState
	closeOnce sync.Once
}

// Dial resolves the target and connects. Transient failures are retried
// with exponential backoff until MaxAttempts or ctx ends; any other failure
// ends the attempt at once. No connector is returned on failure.
//
// Parameters:
//   - ctx: Cancels resolution, attempts and backoff waits
//   - cfg: Connect settings
//   - deps: Optional logger, metrics, resolver and state handler
//
// Returns:
//   - A Connected connector
//   - ErrExhausted (wrapping the last error), ctx.Err(), or the terminal
//     resolve or connect error
func Dial(ctx context.Context, cfg Config, deps Deps) (*Connector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = addrresolver.New()
	}

	target, err := addrresolver.First(ctx, resolver, cfg.Network, cfg.Address, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("connector: resolve %s: %w", cfg.Address, err)
	}

	c := &Connector{
		cfg:     cfg,
		log:     log.With(logger.F("component", "connector"), logger.F("target", target.String())),
		onState: deps.OnState,
		target:  target,
	}

	c.setState(Connecting, nil)
	conn, err := c.connect(ctx, deps.Metrics)
	if err != nil {
		c.setState(Disconnected, err)
		return nil, err
	}

	c.conn = conn
	c.setState(Connected, nil)
	return c, nil
}

func (c *Connector) connect(ctx context.Context, m *metrics.Collector) (net.Conn, error) {
	pm := perfmonitor.NewPerformanceMonitor()
	pm.Start()

	backoff := c.cfg.RetryInterval
	pace := rate.NewLimiter(rate.Every(backoff), 1)
	pace.Allow()

	dialer := net.Dialer{Timeout: c.cfg.Timeout}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			pace.SetLimit(rate.Every(backoff))
			if err := pace.Wait(ctx); err != nil {
				m.ConnectAttempt(metrics.ResultFailure)
				return nil, fmt.Errorf("connector: backoff: %w", errors.Join(err, lastErr))
			}

			backoff = min(2*backoff, c.cfg.MaxRetryInterval)
		}

		conn, err := dialer.DialContext(ctx, c.cfg.Network, c.target.String())
		if err == nil {
			pm.Stop()
			m.ConnectAttempt(metrics.ResultOK)
			c.log.Info("connected", logger.F("attempts", attempt), logger.F("elapsed_ms", pm.ElapsedMilliseconds()))
			return conn, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			m.ConnectAttempt(metrics.ResultFailure)
			return nil, fmt.Errorf("connector: %w", ctx.Err())
		}

		if !isTransient(err) {
			m.ConnectAttempt(metrics.ResultFailure)
			c.log.Warn("connect failed", logger.Err(err))
			return nil, fmt.Errorf("connector: connect %s: %w", c.target, err)
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}

		m.ConnectAttempt(metrics.ResultRetry)
		c.log.Debug("connect attempt failed, retrying", logger.Err(err), logger.F("attempt", attempt))
	}

	m.ConnectAttempt(metrics.ResultFailure)
	c.log.Warn("connect attempts exhausted", logger.Err(lastErr), logger.F("attempts", c.cfg.MaxAttempts))
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, c.cfg.MaxAttempts, lastErr)
}

// Conn returns the underlying connection.
func (c *Connector) Conn() net.Conn {
	return c.conn
}

// Target returns the resolved remote address.
func (c *Connector) Target() netip.AddrPort {
	return c.target
}

// State returns the current connection state.
func (c *Connector) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Channel describes the connection as a session channel.
func (c *Connector) Channel() session.Channel {
	return session.Channel{Conn: c.conn, Local: c.conn.LocalAddr(), Remote: c.conn.RemoteAddr()}
}

// ReadSessionID reads the 16-byte client id the server writes right after
// accepting a control connection.
//
// Returns:
//   - The id, or ErrNotConnected, a read error (including the Timeout
//     deadline) or session.ErrBadPreamble
func (c *Connector) ReadSessionID() (session.ID, error) {
	if c.State() != Connected {
		return session.Nil, ErrNotConnected
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return session.Nil, err
	}
	defer func() {
		_ = c.conn.SetReadDeadline(time.Time{})
	}()

	buf := make([]byte, session.IDLen)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return session.Nil, fmt.Errorf("connector: read session id: %w", err)
	}

	return session.ParseID(buf)
}

// SendPreamble writes id as the first bytes of a secondary channel so the
// server can attach it to the client's record.
func (c *Connector) SendPreamble(id session.ID) error {
	if c.State() != Connected {
		return ErrNotConnected
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return err
	}
	defer func() {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}()

	if _, err := c.conn.Write(id[:]); err != nil {
		return fmt.Errorf("connector: send preamble: %w", err)
	}

	return nil
}

// Close shuts the connection down: both directions of a TCP stream first,
// then the socket. Idempotent; later calls return nil.
func (c *Connector) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if tc, ok := c.conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
			_ = tc.CloseRead()
		}

		err = c.conn.Close()
		c.setState(Closed, nil)
	})

	return err
}

func (c *Connector) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	if c.onState != nil {
		go c.onState(ConnectionStateEvent{
			State:     state,
			Address:   c.target.String(),
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}
