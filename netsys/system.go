// Package netsys is the network system façade owned by the application: it
// starts and stops listen mode and client mode and exposes the accepted
// clients and their channels by session id.
package netsys

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/go-netsys/acceptserver"
	"github.com/cyberinferno/go-netsys/addrresolver"
	"github.com/cyberinferno/go-netsys/bufmgr"
	"github.com/cyberinferno/go-netsys/cacher"
	"github.com/cyberinferno/go-netsys/config"
	"github.com/cyberinferno/go-netsys/idgenerator"
	"github.com/cyberinferno/go-netsys/logger"
	"github.com/cyberinferno/go-netsys/metrics"
	"github.com/cyberinferno/go-netsys/registry"
	"github.com/cyberinferno/go-netsys/session"
)

// ErrUnknownClient is returned for a session id that is not registered.
var ErrUnknownClient = errors.New("netsys: unknown client")

// DatagramHandler receives vector datagrams from a bound client. payload is
// only valid during the call.
type DatagramHandler func(id session.ID, payload []byte)

// Deps are the collaborators handed to the System. Every field is optional.
type Deps struct {
	Logger     logger.Logger
	Metrics    *metrics.Collector
	Resolver   addrresolver.Resolver
	Buffers    *bufmgr.Manager
	OnDatagram DatagramHandler
}

// System owns the listen servers, the registries and the client session.
type System struct {
	cfg        atomic.Pointer[config.Config]
	root       logger.Logger
	log        logger.Logger
	metrics    *metrics.Collector
	resolver   addrresolver.Resolver
	buffers    *bufmgr.Manager
	redis      *redis.Client
	onDatagram DatagramHandler
	handles    *idgenerator.IdGenerator

	clients *registry.Clients
	sockets *registry.Sockets

	mu             sync.Mutex
	listening      bool
	clientStarting bool
	clientCancel   context.CancelFunc
	servers        map[session.ChannelKind]*acceptserver.Server
	vector         *vectorBinder
	client         *clientSession
	handshakes     sync.WaitGroup

	// plain holds the mode listen mode was started in; a reloaded
	// configuration does not change it.
	plain atomic.Bool

	pendingMu sync.Mutex
	pending   []session.ID
}

// New builds a System from cfg. A nil cfg uses config.Default. Without an
// injected resolver, lookups are cached in memory or in Redis when
// resolver.redis_addr is set.
//
// Parameters:
//   - cfg: The configuration; it is validated
//   - deps: Optional collaborators
//
// Returns:
//   - The System, idle until StartListenServer or StartClientConnection
//   - An error for an invalid configuration or a buffer manager failure
func New(cfg *config.Config, deps Deps) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &System{
		root:       deps.Logger,
		metrics:    deps.Metrics,
		resolver:   deps.Resolver,
		buffers:    deps.Buffers,
		onDatagram: deps.OnDatagram,
		handles:    idgenerator.NewIdGenerator(0),
		servers:    make(map[session.ChannelKind]*acceptserver.Server),
	}
	s.cfg.Store(cfg)
	s.plain.Store(cfg.Listen.Mode == config.ModePlain)

	if s.root == nil {
		s.root = logger.NewNopLogger()
	}
	s.log = s.root.With(logger.F("component", "netsys"))

	if s.buffers == nil {
		b, err := bufmgr.New(bufmgr.WithMaxEntries(cfg.Buffers.MaxEntries), bufmgr.WithAllocHook(s.metrics.BufferAllocated))
		if err != nil {
			return nil, fmt.Errorf("netsys: %w", err)
		}
		s.buffers = b
	}

	if s.resolver == nil {
		s.resolver = s.newResolver(cfg.Resolver)
	}

	s.clients = registry.NewClients(s.metrics.SetClients)
	s.sockets = registry.NewSockets(s.metrics.SetSockets)
	return s, nil
}

func (s *System) newResolver(rc config.ResolverConfig) addrresolver.Resolver {
	base := addrresolver.New()
	if rc.CacheTTL <= 0 {
		return base
	}

	if rc.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: rc.RedisAddr})
		return addrresolver.NewCaching(base, cacher.NewRedisCacher[[]string](s.redis, rc.RedisPrefix), rc.CacheTTL)
	}

	return addrresolver.NewCaching(base, cacher.NewMemoryCacher[[]string](rc.CacheTTL, 2*rc.CacheTTL), rc.CacheTTL)
}

// Config returns the configuration in effect.
func (s *System) Config() *config.Config {
	return s.cfg.Load()
}

// ApplyConfig takes a reloaded configuration. Accept rates apply to running
// servers at once; every other listen setting applies on the next
// StartListenServer.
func (s *System) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.cfg.Store(cfg)

	s.mu.Lock()
	defer s.mu.Unlock()

	for kind, srv := range s.servers {
		srv.SetAcceptRate(channelConfig(cfg, kind).AcceptRate)
	}

	s.log.Info("configuration applied")
	return nil
}

// Close stops client and listen mode and releases the Redis connection, if
// any.
func (s *System) Close() error {
	s.StopClientConnection()
	s.StopListenServer()

	if s.redis != nil {
		return s.redis.Close()
	}

	return nil
}

// GetClients returns a snapshot of the accepted sockets. In plain mode these
// are the raw accepted sockets; in channelized mode, one entry per client for
// its control channel. The mode is the one listen mode was started in.
func (s *System) GetClients() []session.SocketEntry {
	if s.plain.Load() {
		return s.sockets.Snapshot()
	}

	infos := s.clients.Snapshot()
	out := make([]session.SocketEntry, 0, len(infos))
	for _, info := range infos {
		ctl := info.Channels.Control()
		e := session.SocketEntry{
			Conn:       ctl.Conn,
			Addr:       addrresolver.FormatNumeric(ctl.Remote),
			AcceptedAt: info.CreatedAt,
		}

		if ap, ok := addrresolver.AddrPortOf(ctl.Remote); ok {
			e.Raw, _ = ap.MarshalBinary()
		}

		out = append(out, e)
	}

	return out
}

// Connections returns a snapshot of every registered client record.
func (s *System) Connections() []session.ConnectionInfo {
	return s.clients.Snapshot()
}

// Channels returns every channel of a client.
func (s *System) Channels(id session.ID) (session.ChannelSet, bool) {
	return s.clients.Find(id)
}

// ControlChannel returns the control channel of a client, or the invalid
// channel.
func (s *System) ControlChannel(id session.ID) session.Channel {
	return s.channel(id, session.Control)
}

// ChatChannel returns the chat channel of a client, or the invalid channel.
func (s *System) ChatChannel(id session.ID) session.Channel {
	return s.channel(id, session.Chat)
}

// BulkChannel returns the bulk channel of a client, or the invalid channel.
func (s *System) BulkChannel(id session.ID) session.Channel {
	return s.channel(id, session.Bulk)
}

// VectorChannel returns the vector channel of a client, or the invalid
// channel.
func (s *System) VectorChannel(id session.ID) session.Channel {
	return s.channel(id, session.Vector)
}

func (s *System) channel(id session.ID, kind session.ChannelKind) session.Channel {
	set, _ := s.clients.Find(id)
	return set.Get(kind)
}

// PollAccepted returns the ids of clients accepted since the previous call,
// oldest first. A returned id may already have been removed again.
func (s *System) PollAccepted() []session.ID {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	out := s.pending
	s.pending = nil
	return out
}

func (s *System) pushAccepted(id session.ID) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, id)
	s.pendingMu.Unlock()
}

// Disconnect removes a client and closes its stream channels.
//
// Returns:
//   - ErrUnknownClient if id is not registered
func (s *System) Disconnect(id session.ID) error {
	if !s.clients.Remove(id) {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}

	s.mu.Lock()
	vb := s.vector
	s.mu.Unlock()

	if vb != nil {
		vb.forget(id)
	}

	s.log.Info("client disconnected", logger.F("client_id", id.String()))
	return nil
}

// ListenAddr returns the bound address of a running listener of kind, or
// nil.
func (s *System) ListenAddr(kind session.ChannelKind) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kind == session.Vector {
		if s.vector == nil {
			return nil
		}
		return s.vector.addr()
	}

	if srv, ok := s.servers[kind]; ok {
		return srv.Addr()
	}

	return nil
}

func channelConfig(cfg *config.Config, kind session.ChannelKind) config.ChannelConfig {
	switch kind {
	case session.Control:
		return cfg.Listen.Control
	case session.Chat:
		return cfg.Listen.Chat
	case session.Bulk:
		return cfg.Listen.Bulk
	default:
		return cfg.Listen.Vector
	}
}
