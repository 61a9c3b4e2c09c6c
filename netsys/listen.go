package netsys

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cyberinferno/go-netsys/acceptserver"
	"github.com/cyberinferno/go-netsys/config"
	"github.com/cyberinferno/go-netsys/logger"
	"github.com/cyberinferno/go-netsys/perfmonitor"
	"github.com/cyberinferno/go-netsys/session"
)

// StartListenServer starts an accept server for every enabled stream
// channel and, in channelized mode, the vector datagram binder. Calling it
// while listening is a no-op. If any listener fails, those already started
// are stopped again.
func (s *System) StartListenServer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listening {
		return nil
	}

	cfg := s.Config()
	kinds := []session.ChannelKind{session.Control}
	if cfg.Listen.Mode == config.ModeChannelized {
		kinds = append(kinds, session.Chat, session.Bulk)
	}

	for _, kind := range kinds {
		cc := channelConfig(cfg, kind)
		if !cc.Enabled {
			continue
		}

		srv, err := acceptserver.New(acceptserver.ConfigFrom(kind.String(), kind, cc), acceptserver.Deps{
			Logger:    s.root,
			Metrics:   s.metrics,
			Resolver:  s.resolver,
			Buffers:   s.buffers,
			Finalizer: s.finalizer(cfg, kind),
		})
		if err != nil {
			s.stopServersLocked()
			return err
		}

		if err := srv.Start(); err != nil {
			srv.Stop()
			s.stopServersLocked()
			return err
		}

		s.servers[kind] = srv
	}

	if cfg.Listen.Mode == config.ModeChannelized && cfg.Listen.Vector.Enabled {
		vb, err := newVectorBinder(cfg.Listen.Vector, s)
		if err != nil {
			s.stopServersLocked()
			return err
		}
		s.vector = vb
	}

	s.plain.Store(cfg.Listen.Mode == config.ModePlain)
	s.listening = true
	s.log.Info("listen mode started", logger.F("mode", cfg.Listen.Mode))
	return nil
}

// StopListenServer stops every listener, waits for their workers and closes
// all accepted clients. Calling it while stopped is a no-op.
func (s *System) StopListenServer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.listening {
		return
	}

	pm := perfmonitor.NewPerformanceMonitor()
	pm.Start()

	s.stopServersLocked()
	s.clients.CloseAll()
	s.sockets.CloseAll()
	s.PollAccepted()
	s.listening = false

	pm.Stop()
	s.metrics.ObserveShutdown(pm.Elapsed())
	s.log.Info("listen mode stopped", logger.F("elapsed_ms", pm.ElapsedMilliseconds()))
}

func (s *System) stopServersLocked() {
	for kind, srv := range s.servers {
		srv.Stop()
		delete(s.servers, kind)
	}

	// Stopped servers cancel their contexts, which ends pending handshakes.
	s.handshakes.Wait()

	if s.vector != nil {
		s.vector.close()
		s.vector = nil
	}
}

func (s *System) finalizer(cfg *config.Config, kind session.ChannelKind) acceptserver.Finalizer {
	cc := channelConfig(cfg, kind)
	switch {
	case cfg.Listen.Mode == config.ModePlain:
		return acceptserver.FinalizerFunc(s.finalizePlain)
	case kind == session.Control:
		return &controlFinalizer{sys: s, bufLen: cfg.Listen.ReceiveBuffer, timeout: cc.PreambleTimeout}
	default:
		return &attachFinalizer{sys: s, timeout: cc.PreambleTimeout}
	}
}

func (s *System) streamChannel(a acceptserver.Accepted) session.Channel {
	return session.Channel{
		Handle: s.handles.Id(),
		Conn:   a.Conn,
		Local:  net.TCPAddrFromAddrPort(a.Local),
		Remote: net.TCPAddrFromAddrPort(a.Remote),
	}
}

// controlFinalizer registers a new client for every control connection and
// greets it with its client id.
type controlFinalizer struct {
	sys     *System
	bufLen  int
	timeout time.Duration
}

func (f *controlFinalizer) Finalize(ctx context.Context, a acceptserver.Accepted) error {
	rec, err := session.NewConnection(f.sys.streamChannel(a), f.bufLen)
	if err != nil {
		return err
	}

	if err := f.sys.clients.Add(rec); err != nil {
		return err
	}

	id := rec.ClientID()
	if err := writeWithin(ctx, a.Conn, id[:], f.timeout); err != nil {
		// Remove closes the control channel.
		f.sys.clients.Remove(id)
		return fmt.Errorf("%w: greet %s: %v", acceptserver.ErrReleased, id, err)
	}

	f.sys.pushAccepted(id)
	f.sys.log.Info("client accepted", logger.F("client_id", id.String()), logger.F("remote", a.Remote.String()))
	return nil
}

// attachFinalizer reads the session preamble of a chat or bulk connection
// and attaches it to the named client. The read runs in its own goroutine,
// tracked by System.handshakes, so a silent peer never holds an accept
// worker.
type attachFinalizer struct {
	sys     *System
	timeout time.Duration
}

func (f *attachFinalizer) Finalize(ctx context.Context, a acceptserver.Accepted) error {
	f.sys.handshakes.Add(1)
	go func() {
		defer f.sys.handshakes.Done()

		if err := f.attach(ctx, a); err != nil {
			_ = a.Conn.Close()
			f.sys.metrics.Dropped(a.Kind.String())
			f.sys.log.Warn("attach failed", logger.Err(err),
				logger.F("channel", a.Kind.String()), logger.F("remote", a.Remote.String()))
		}
	}()

	return nil
}

func (f *attachFinalizer) attach(ctx context.Context, a acceptserver.Accepted) error {
	if err := a.Conn.SetReadDeadline(time.Now().Add(f.timeout)); err != nil {
		return err
	}

	// Cancellation pulls the deadline into the past so the read returns.
	stop := context.AfterFunc(ctx, func() {
		_ = a.Conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	pre := make([]byte, session.IDLen)
	if _, err := io.ReadFull(a.Conn, pre); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("netsys: %s preamble: %w", a.Kind, err)
	}

	if !stop() {
		return ctx.Err()
	}

	if err := a.Conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	id, err := session.ParseID(pre)
	if err != nil {
		return err
	}

	if err := f.sys.clients.Attach(id, a.Kind, f.sys.streamChannel(a)); err != nil {
		return err
	}

	f.sys.log.Debug("channel attached", logger.F("client_id", id.String()), logger.F("channel", a.Kind.String()))
	return nil
}

func (s *System) finalizePlain(_ context.Context, a acceptserver.Accepted) error {
	raw, err := a.Remote.MarshalBinary()
	if err != nil {
		return err
	}

	s.sockets.Append(session.SocketEntry{
		Conn:       a.Conn,
		Raw:        raw,
		Addr:       a.Remote.String(),
		AcceptedAt: time.Now(),
	})

	return nil
}

func writeWithin(ctx context.Context, conn net.Conn, p []byte, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write(p); err != nil {
		return err
	}

	if !stop() {
		return ctx.Err()
	}

	return conn.SetWriteDeadline(time.Time{})
}
