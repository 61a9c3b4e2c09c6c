// Package acceptserver runs a listening socket with a fixed pool of worker
// goroutines. Every worker owns one accept record; posted accepts deliver
// their results into a shared completion queue that any worker drains, and
// each accepted connection is handed to a Finalizer.
package acceptserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/ratelimit"

	"github.com/cyberinferno/go-netsys/addrresolver"
	"github.com/cyberinferno/go-netsys/bufmgr"
	"github.com/cyberinferno/go-netsys/config"
	"github.com/cyberinferno/go-netsys/logger"
	"github.com/cyberinferno/go-netsys/metrics"
	"github.com/cyberinferno/go-netsys/session"
)

var (
	// ErrAlreadyStarted is returned by Start on a running server.
	ErrAlreadyStarted = errors.New("acceptserver: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("acceptserver: stopped")

	// ErrReleased is wrapped by a Finalizer that failed after it already
	// closed the connection. The server counts the drop but does not close
	// the connection again.
	ErrReleased = errors.New("acceptserver: connection released by finalizer")
)

const resolveTimeout = 5 * time.Second

// Config configures one listening server.
type Config struct {
	Name     string
	Kind     session.ChannelKind
	Network  string
	Address  string
	Port     int
	Protocol int
	Workers  int
	// Backlog of 0 means the platform maximum.
	Backlog int
	// WaitTimeout bounds each wait on the completion queue; 0 waits until a
	// completion or cancellation.
	WaitTimeout time.Duration
	// AcceptRate caps accepts per second; 0 is unlimited.
	AcceptRate int
}

// ConfigFrom builds a server Config from a configured channel.
func ConfigFrom(name string, kind session.ChannelKind, c config.ChannelConfig) Config {
	return Config{
		Name:        name,
		Kind:        kind,
		Network:     c.Network,
		Address:     c.Address,
		Port:        c.Port,
		Protocol:    c.Protocol,
		Workers:     c.Workers,
		Backlog:     c.Backlog,
		WaitTimeout: c.WaitTimeout,
		AcceptRate:  c.AcceptRate,
	}
}

// Accepted describes one accepted connection handed to a Finalizer.
type Accepted struct {
	Kind   session.ChannelKind
	Handle uint32
	Conn   net.Conn
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// Finalizer takes ownership of an accepted connection. On error the server
// closes the connection unless the error wraps ErrReleased; other
// connections are unaffected. Finalize runs on a worker goroutine and holds
// that worker until it returns, so anything that waits on the peer belongs
// in a goroutine of its own.
type Finalizer interface {
	Finalize(ctx context.Context, a Accepted) error
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(ctx context.Context, a Accepted) error

func (f FinalizerFunc) Finalize(ctx context.Context, a Accepted) error {
	return f(ctx, a)
}

// Deps are the collaborators of a Server. Logger, Metrics and Resolver may
// be nil; Buffers defaults to a private manager.
type Deps struct {
	Logger    logger.Logger
	Metrics   *metrics.Collector
	Resolver  addrresolver.Resolver
	Buffers   *bufmgr.Manager
	Finalizer Finalizer
}

type limiterBox struct {
	ratelimit.Limiter
}

func newLimiter(rate int) *limiterBox {
	if rate <= 0 {
		return &limiterBox{ratelimit.NewUnlimited()}
	}

	return &limiterBox{ratelimit.New(rate)}
}

// Server is a listening socket plus its worker pool.
type Server struct {
	cfg       Config
	log       logger.Logger
	metrics   *metrics.Collector
	finalizer Finalizer
	codec     addrCodec

	listener net.Listener
	queue    chan completion
	ops      *opRegistry
	records  []*acceptOp
	limiter  atomic.Pointer[limiterBox]

	ctx       context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	accepts   sync.WaitGroup
	started   atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New resolves the bind address, creates the listening socket with the
// configured backlog and prepares one accept record per worker. Any failure
// here leaves nothing open.
//
// Parameters:
//   - cfg: Listen settings; Workers must be at least 1
//   - deps: Collaborators; Finalizer is required
//
// Returns:
//   - The Server, ready for Start
//   - An error for bad settings, an unsupported network, an unresolvable
//     address or a socket failure
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("acceptserver %s: workers must be at least 1", cfg.Name)
	}

	if deps.Finalizer == nil {
		return nil, fmt.Errorf("acceptserver %s: finalizer is required", cfg.Name)
	}

	codec, err := codecFor(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("acceptserver %s: %w", cfg.Name, err)
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = addrresolver.New()
	}

	buffers := deps.Buffers
	if buffers == nil {
		if buffers, err = bufmgr.New(); err != nil {
			return nil, fmt.Errorf("acceptserver %s: %w", cfg.Name, err)
		}
	}

	rctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	bind, err := addrresolver.First(rctx, resolver, cfg.Network, cfg.Address, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("acceptserver %s: resolve %s: %w", cfg.Name, cfg.Address, err)
	}

	ln, err := listen(cfg.Network, bind, cfg.Backlog, cfg.Protocol)
	if err != nil {
		return nil, fmt.Errorf("acceptserver %s: %w", cfg.Name, err)
	}

	s := &Server{
		cfg:       cfg,
		log:       log.With(logger.F("component", "acceptserver"), logger.F("channel", cfg.Kind.String())),
		metrics:   deps.Metrics,
		finalizer: deps.Finalizer,
		codec:     codec,
		listener:  ln,
		queue:     make(chan completion, cfg.Workers),
		ops:       newOpRegistry(),
	}
	s.limiter.Store(newLimiter(cfg.AcceptRate))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for i := 0; i < cfg.Workers; i++ {
		buf, err := buffers.Acquire(codec.bufLen())
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("acceptserver %s: %w", cfg.Name, err)
		}

		s.records = append(s.records, s.ops.create(i, buf))
	}

	return s, nil
}

// Addr returns the bound address, with the actual port when 0 was asked.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.cfg.Name
}

// Posted returns the number of accepts currently in flight.
func (s *Server) Posted() int {
	return s.ops.postedCount()
}

// SetAcceptRate replaces the accept pacing; 0 removes it.
func (s *Server) SetAcceptRate(rate int) {
	s.limiter.Store(newLimiter(rate))
}

// Start launches the worker goroutines.
//
// Returns:
//   - ErrAlreadyStarted or ErrStopped when the server cannot start
func (s *Server) Start() error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}

	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	for _, op := range s.records {
		s.workers.Add(1)
		go s.work(op)
	}

	s.log.Info(fmt.Sprintf("%s server started", s.cfg.Name),
		logger.F("addr", s.listener.Addr().String()), logger.F("workers", s.cfg.Workers))

	return nil
}

// Stop cancels the workers, closes the listening socket, waits for every
// worker and in-flight accept to finish and closes connections that were
// accepted but never finalized. Safe to call more than once and before
// Start.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		_ = s.closeListener()
		s.workers.Wait()
		s.accepts.Wait()

		for drained := false; !drained; {
			select {
			case c := <-s.queue:
				if c.conn != nil {
					_ = c.conn.Close()
				}
			default:
				drained = true
			}
		}

		s.ops.release()
		s.log.Info(fmt.Sprintf("%s server stopped", s.cfg.Name))
	})
}

func (s *Server) closeListener() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.listener.Close()
	})

	return s.closeErr
}
