package netsys

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyberinferno/go-netsys/addrresolver"
	"github.com/cyberinferno/go-netsys/config"
	"github.com/cyberinferno/go-netsys/connector"
	"github.com/cyberinferno/go-netsys/logger"
	"github.com/cyberinferno/go-netsys/session"
)

// ErrClientActive is returned when client mode is started twice.
var ErrClientActive = errors.New("netsys: client connection already active")

// clientSession is the local side of one connection to a server.
type clientSession struct {
	id    session.ID
	conns []*connector.Connector
	set   session.ChannelSet
}

func (c *clientSession) close() {
	for _, conn := range c.conns {
		_ = conn.Close()
	}
}

// StartClientConnection connects to a server: the control channel first,
// whose greeting carries the client id, then chat, bulk and vector, each
// announcing that id. Ports come from the listen configuration; a port in
// address overrides the control port. Nothing stays open on failure.
// Connecting does not hold the system lock; StopClientConnection cancels a
// start in progress.
//
// Parameters:
//   - ctx: Bounds resolution, connect retries and backoff
//   - address: "host" or "host:port"
//
// Returns:
//   - ErrClientActive, or the first connect or handshake error
func (s *System) StartClientConnection(ctx context.Context, address string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.client != nil || s.clientStarting {
		s.mu.Unlock()
		return ErrClientActive
	}
	s.clientStarting = true
	s.clientCancel = cancel
	s.mu.Unlock()

	cs, host, err := s.connectClient(ctx, address)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientStarting = false
	s.clientCancel = nil
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		cs.close()
		return fmt.Errorf("netsys: client start: %w", err)
	}

	s.client = cs
	s.log.Info("client connection started", logger.F("client_id", cs.id.String()), logger.F("host", host))
	return nil
}

func (s *System) connectClient(ctx context.Context, address string) (*clientSession, string, error) {
	cfg := s.Config()
	host, controlPort := address, cfg.Listen.Control.Port
	if h, p, err := addrresolver.SplitHostPort(address); err == nil {
		host, controlPort = h, p
	}

	deps := connector.Deps{Logger: s.root, Metrics: s.metrics, Resolver: s.resolver}
	cs := &clientSession{}

	ctl, err := connector.Dial(ctx, connector.ConfigFrom(cfg.Connector, cfg.Connector.Network, host, controlPort), deps)
	if err != nil {
		return nil, host, fmt.Errorf("netsys: control: %w", err)
	}
	cs.conns = append(cs.conns, ctl)

	if cs.id, err = ctl.ReadSessionID(); err != nil {
		cs.close()
		return nil, host, fmt.Errorf("netsys: control: %w", err)
	}
	cs.set[session.Control] = ctl.Channel()

	for _, kind := range []session.ChannelKind{session.Chat, session.Bulk, session.Vector} {
		cc := channelConfig(cfg, kind)
		if !cc.Enabled {
			continue
		}

		network := cfg.Connector.Network
		if kind == session.Vector {
			network = cc.Network
		}

		conn, err := s.dialSecondary(ctx, cfg, cs.id, network, host, cc.Port, deps)
		if err != nil {
			cs.close()
			return nil, host, fmt.Errorf("netsys: %s: %w", kind, err)
		}

		cs.conns = append(cs.conns, conn)
		cs.set[kind] = conn.Channel()
	}

	return cs, host, nil
}

func (s *System) dialSecondary(ctx context.Context, cfg *config.Config, id session.ID, network, host string, port int, deps connector.Deps) (*connector.Connector, error) {
	conn, err := connector.Dial(ctx, connector.ConfigFrom(cfg.Connector, network, host, port), deps)
	if err != nil {
		return nil, err
	}

	if err := conn.SendPreamble(id); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return conn, nil
}

// StopClientConnection closes every client channel and cancels a start in
// progress. Calling it without an active client connection is a no-op.
func (s *System) StopClientConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clientCancel != nil {
		s.clientCancel()
	}

	if s.client == nil {
		return
	}

	s.client.close()
	s.log.Info("client connection stopped", logger.F("client_id", s.client.id.String()))
	s.client = nil
}

// ClientSession returns the id assigned by the server to the active client
// connection.
func (s *System) ClientSession() (session.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return session.Nil, false
	}

	return s.client.id, true
}

// ClientChannel returns the local channel of kind, or the invalid channel.
func (s *System) ClientChannel(kind session.ChannelKind) session.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return session.Channel{}
	}

	return s.client.set.Get(kind)
}
