package messaging

import (
	"context"
	"sync/atomic"

	"github.com/mbocsi/msgroute/proto"
)

// Stub is the outbound side of one transport bound to one destination.
// Transport-level send failures are reported as proto.ErrTransport.
type Stub interface {
	Transmit(ctx context.Context, msg *proto.Message) error
	Address() proto.Address
}

// StubFactory builds stubs for one address type. Build must not block waiting
// for local configuration: if a dependency has not been delivered yet it
// returns a proto.ErrNotReady error.
type StubFactory interface {
	Type() proto.AddressType
	Build(addr proto.Address) (Stub, error)
}

// Deferred holds a value that becomes available some time after startup, such
// as an address assigned by a discovery backend. Reads never block.
type Deferred[T any] struct {
	v     atomic.Pointer[T]
	ready chan struct{}
	once  atomic.Bool
}

func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{ready: make(chan struct{})}
}

// Set stores v. The first call closes the Ready channel; later calls replace
// the value.
func (d *Deferred[T]) Set(v T) {
	d.v.Store(&v)
	if d.once.CompareAndSwap(false, true) {
		close(d.ready)
	}
}

// Get returns the value and whether it has been set.
func (d *Deferred[T]) Get() (T, bool) {
	p := d.v.Load()
	if p == nil {
		var z T
		return z, false
	}
	return *p, true
}

// Ready is closed once the first value has been set.
func (d *Deferred[T]) Ready() <-chan struct{} { return d.ready }

// checkType rejects addresses a factory was handed by mistake.
func checkType(op string, want proto.AddressType, addr proto.Address) error {
	if addr == nil {
		return proto.InvalidAddress(op, "address is nil")
	}
	if addr.Type() != want {
		return proto.InvalidAddress(op, "expected %s, got %s", want, addr.Type())
	}
	return nil
}

// AddressAs validates that addr is the variant T and returns it. Stub
// factories use it at the top of Build.
func AddressAs[T proto.Address](op string, addr proto.Address) (T, error) {
	var z T
	if err := checkType(op, z.Type(), addr); err != nil {
		return z, err
	}
	a, ok := addr.(T)
	if !ok {
		return z, proto.InvalidAddress(op, "unexpected address value %T", addr)
	}
	if err := proto.ValidateAddress(a); err != nil {
		return z, err
	}
	return a, nil
}
