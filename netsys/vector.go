package netsys

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-netsys/addrresolver"
	"github.com/cyberinferno/go-netsys/config"
	"github.com/cyberinferno/go-netsys/logger"
	"github.com/cyberinferno/go-netsys/safemap"
	"github.com/cyberinferno/go-netsys/session"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// vectorBinder owns the shared vector endpoint. The first datagram from an
// unknown peer that starts with a registered client id binds that peer to
// the client's vector channel; later datagrams from a bound peer go to the
// datagram handler.
// buf is owned by readLoop and never shared through the buffer pool.
type vectorBinder struct {
	sys   *System
	pc    net.PacketConn
	buf   []byte
	peers *safemap.SafeMap[string, session.ID]
	log   logger.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newVectorBinder(cc config.ChannelConfig, sys *System) (*vectorBinder, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ap, err := addrresolver.First(ctx, sys.resolver, cc.Network, cc.Address, cc.Port)
	if err != nil {
		return nil, fmt.Errorf("netsys: vector resolve %s: %w", cc.Address, err)
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, cc.Network, ap.String())
	if err != nil {
		return nil, fmt.Errorf("netsys: vector listen: %w", err)
	}

	vb := &vectorBinder{
		sys:   sys,
		pc:    pc,
		buf:   make([]byte, maxDatagram),
		peers: safemap.NewSafeMap[string, session.ID](),
		log:   sys.log.With(logger.F("channel", session.Vector.String())),
	}

	vb.wg.Add(1)
	go vb.readLoop()

	vb.log.Info("vector endpoint started", logger.F("addr", pc.LocalAddr().String()))
	return vb, nil
}

func (vb *vectorBinder) addr() net.Addr {
	return vb.pc.LocalAddr()
}

func (vb *vectorBinder) readLoop() {
	defer vb.wg.Done()

	for {
		n, from, err := vb.pc.ReadFrom(vb.buf)
		if errors.Is(err, net.ErrClosed) {
			return
		}

		if err != nil {
			vb.log.Warn("vector read failed", logger.Err(err))
			continue
		}

		vb.dispatch(from, vb.buf[:n])
	}
}

func (vb *vectorBinder) dispatch(from net.Addr, payload []byte) {
	key := addrresolver.FormatNumeric(from)
	if id, ok := vb.peers.Load(key); ok {
		if vb.sys.onDatagram != nil {
			vb.sys.onDatagram(id, payload)
		}
		return
	}

	if len(payload) < session.IDLen {
		vb.log.Debug("vector datagram from unbound peer dropped", logger.F("remote", key))
		return
	}

	id, err := session.ParseID(payload[:session.IDLen])
	if err != nil {
		vb.log.Debug("vector datagram from unbound peer dropped", logger.F("remote", key), logger.Err(err))
		return
	}

	ch := session.Channel{
		Handle: vb.sys.handles.Id(),
		Packet: vb.pc,
		Local:  vb.pc.LocalAddr(),
		Remote: from,
	}
	if err := vb.sys.clients.Attach(id, session.Vector, ch); err != nil {
		vb.log.Debug("vector bind rejected", logger.F("remote", key), logger.Err(err))
		return
	}

	vb.peers.Store(key, id)
	vb.sys.metrics.Accepted(session.Vector.String())
	vb.log.Debug("vector peer bound", logger.F("client_id", id.String()), logger.F("remote", key))
}

// forget unbinds every peer of a removed client.
func (vb *vectorBinder) forget(id session.ID) {
	vb.peers.Range(func(k string, v session.ID) bool {
		if v == id {
			vb.peers.Delete(k)
		}
		return true
	})
}

func (vb *vectorBinder) close() {
	vb.closeOnce.Do(func() {
		_ = vb.pc.Close()
		vb.wg.Wait()
		vb.log.Info("vector endpoint stopped")
	})
}
