package acceptserver

import (
	"errors"
	"fmt"
	"net"

	"github.com/cyberinferno/go-netsys/bufmgr"
	"github.com/cyberinferno/go-netsys/idgenerator"
	"github.com/cyberinferno/go-netsys/safemap"
	"github.com/cyberinferno/go-netsys/safeset"
)

var (
	// ErrCompletionMismatch is returned when a completion refers to a record
	// that is not the posted in-flight record it claims to be. The server
	// treats it as fatal.
	ErrCompletionMismatch = errors.New("acceptserver: completion does not match a posted accept")

	// ErrAlreadyPosted is returned when posting a record that is in flight.
	ErrAlreadyPosted = errors.New("acceptserver: accept already posted")
)

// acceptOp is one accept operation record. A record is either posted (its
// handle is in the registry's posted set and an accept goroutine owns it) or
// idle (owned by its worker), never both.
type acceptOp struct {
	handle uint32
	owner  int
	buf    *bufmgr.Entry
	wake   chan struct{}
}

// notify wakes the owning worker so it reposts an idle record.
func (op *acceptOp) notify() {
	select {
	case op.wake <- struct{}{}:
	default:
	}
}

// completion is what an accept goroutine delivers to the queue.
type completion struct {
	op   *acceptOp
	conn net.Conn
	err  error
}

// opRegistry tracks every accept record of a server by handle and which of
// them are posted.
type opRegistry struct {
	ids    *idgenerator.IdGenerator
	ops    *safemap.SafeMap[uint32, *acceptOp]
	posted *safeset.SafeSet[uint32]
}

func newOpRegistry() *opRegistry {
	return &opRegistry{
		ids:    idgenerator.NewIdGenerator(0),
		ops:    safemap.NewSafeMap[uint32, *acceptOp](),
		posted: safeset.NewSafeSet[uint32](),
	}
}

// create registers a new idle record for worker owner.
func (r *opRegistry) create(owner int, buf *bufmgr.Entry) *acceptOp {
	op := &acceptOp{
		handle: r.ids.Id(),
		owner:  owner,
		buf:    buf,
		wake:   make(chan struct{}, 1),
	}
	r.ops.Store(op.handle, op)
	return op
}

// markPosted moves an idle record to posted.
func (r *opRegistry) markPosted(op *acceptOp) error {
	if !r.posted.TryAdd(op.handle) {
		return fmt.Errorf("%w: handle %d", ErrAlreadyPosted, op.handle)
	}

	return nil
}

// complete verifies that op is a known posted record and moves it to idle.
func (r *opRegistry) complete(op *acceptOp) error {
	if op == nil {
		return fmt.Errorf("%w: nil record", ErrCompletionMismatch)
	}

	known, ok := r.ops.Load(op.handle)
	if !ok || known != op {
		return fmt.Errorf("%w: unknown handle %d", ErrCompletionMismatch, op.handle)
	}

	if !r.posted.TryRemove(op.handle) {
		return fmt.Errorf("%w: handle %d is idle", ErrCompletionMismatch, op.handle)
	}

	return nil
}

func (r *opRegistry) isPosted(op *acceptOp) bool {
	return r.posted.Contains(op.handle)
}

// postedCount returns how many records are in flight.
func (r *opRegistry) postedCount() int {
	return r.posted.Size()
}

// release forgets every record.
func (r *opRegistry) release() {
	r.ops.Range(func(h uint32, _ *acceptOp) bool {
		r.ops.Delete(h)
		return true
	})
	r.posted.Reset()
}
