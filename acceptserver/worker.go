package acceptserver

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/cyberinferno/go-netsys/addrresolver"
	"github.com/cyberinferno/go-netsys/logger"
)

// work is the worker loop: keep the own record posted, then take whatever
// completion arrives first.
func (s *Server) work(op *acceptOp) {
	defer s.workers.Done()

	var timer *time.Timer
	var tick <-chan time.Time
	if s.cfg.WaitTimeout > 0 {
		timer = time.NewTimer(s.cfg.WaitTimeout)
		defer timer.Stop()
		tick = timer.C
	}

	for {
		if s.ctx.Err() != nil {
			return
		}

		if !s.ops.isPosted(op) {
			s.limiter.Load().Take()
			if s.ctx.Err() != nil {
				return
			}

			if err := s.post(op); err != nil {
				s.log.Error("post accept failed", logger.Err(err), logger.F("handle", op.handle))
			}
		}

		if timer != nil {
			timer.Reset(s.cfg.WaitTimeout)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-op.wake:
		case <-tick:
		case c := <-s.queue:
			if closed := s.handle(c); closed {
				return
			}
		}
	}
}

// post hands op to a goroutine blocked in Accept. The result is delivered
// to the completion queue unless the server is stopping, in which case an
// accepted connection is closed.
func (s *Server) post(op *acceptOp) error {
	if err := s.ops.markPosted(op); err != nil {
		return err
	}

	s.accepts.Add(1)
	go func() {
		defer s.accepts.Done()

		conn, err := s.listener.Accept()
		select {
		case s.queue <- completion{op: op, conn: conn, err: err}:
		case <-s.ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()

	return nil
}

// handle finalizes one completion and returns the record to idle. It
// reports true when the listener is gone and the worker should exit. A
// completion for a record that is not posted panics.
func (s *Server) handle(c completion) bool {
	if err := s.ops.complete(c.op); err != nil {
		s.log.Error("accept completion rejected", logger.Err(err))
		if c.conn != nil {
			_ = c.conn.Close()
		}
		panic(err)
	}
	defer c.op.notify()

	if c.err != nil {
		if s.ctx.Err() != nil {
			return true
		}

		if errors.Is(c.err, net.ErrClosed) {
			s.log.Error("listener closed unexpectedly", logger.Err(c.err))
			return true
		}

		s.log.Warn("accept failed", logger.Err(c.err), logger.F("handle", c.op.handle))
		return false
	}

	local, remote, err := s.addrs(c)
	if err != nil {
		s.drop(c.conn, err)
		return false
	}

	a := Accepted{
		Kind:   s.cfg.Kind,
		Handle: c.op.handle,
		Conn:   c.conn,
		Local:  local,
		Remote: remote,
	}
	if err := s.finalizer.Finalize(s.ctx, a); err != nil {
		s.drop(c.conn, err)
		return false
	}

	s.metrics.Accepted(s.cfg.Kind.String())
	s.log.Debug("connection accepted", logger.F("remote", remote.String()), logger.F("handle", c.op.handle))
	return false
}

// addrs packs the connection's endpoints into the record's buffer and
// decodes them back, both under the buffer lock.
func (s *Server) addrs(c completion) (local, remote netip.AddrPort, err error) {
	l, lok := addrresolver.AddrPortOf(c.conn.LocalAddr())
	r, rok := addrresolver.AddrPortOf(c.conn.RemoteAddr())
	if !lok || !rok {
		return local, remote, fmt.Errorf("%w: %v / %v", ErrAddrDecode, c.conn.LocalAddr(), c.conn.RemoteAddr())
	}

	err = c.op.buf.Do(func(buf []byte) error {
		if err := s.codec.pack(buf, l, r); err != nil {
			return err
		}

		var err error
		local, remote, err = s.codec.unpack(buf)
		return err
	})

	return local, remote, err
}

func (s *Server) drop(conn net.Conn, err error) {
	if !errors.Is(err, ErrReleased) {
		_ = conn.Close()
	}
	s.metrics.Dropped(s.cfg.Kind.String())
	s.log.Warn("accepted connection dropped", logger.Err(err), logger.F("remote", conn.RemoteAddr().String()))
}
