package messaging

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mbocsi/msgroute/proto"
	"golang.org/x/sync/singleflight"
)

// Router is the outbound entry point. It resolves a destination address to
// its stub factory and caches one stub per destination.
type Router struct {
	mu        sync.Mutex // serializes writers of factories
	factories atomic.Pointer[map[proto.AddressType]StubFactory]

	cacheMu sync.RWMutex
	cache   map[proto.Address]Stub
	builds  singleflight.Group

	logger *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cache:  make(map[proto.Address]Stub),
		logger: logger,
	}
	r.factories.Store(&map[proto.AddressType]StubFactory{})
	return r
}

// SetFactories replaces the whole factory table and drops every cached stub.
func (r *Router) SetFactories(factories map[proto.AddressType]StubFactory) error {
	for t, f := range factories {
		if f == nil {
			return fmt.Errorf("stub factory for %q is nil", t)
		}
		if f.Type() != t {
			return fmt.Errorf("stub factory for %q registered under %q", f.Type(), t)
		}
	}

	next := maps.Clone(factories)
	if next == nil {
		next = map[proto.AddressType]StubFactory{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories.Store(&next)

	r.cacheMu.Lock()
	old := r.cache
	r.cache = make(map[proto.Address]Stub)
	r.cacheMu.Unlock()
	closeStubs(r.logger, old)
	return nil
}

// GetStub returns a stub for addr, building it on first use. A NotReady error
// from the factory is returned unchanged and nothing is cached.
func (r *Router) GetStub(addr proto.Address) (Stub, error) {
	if addr == nil {
		err := proto.InvalidAddress("get stub", "address is nil")
		r.logger.Error("Cannot route message", "error", err)
		return nil, err
	}

	r.cacheMu.RLock()
	s, ok := r.cache[addr]
	r.cacheMu.RUnlock()
	if ok {
		return s, nil
	}

	f, ok := (*r.factories.Load())[addr.Type()]
	if !ok {
		err := proto.UnknownAddressType("get stub", addr.Type())
		r.logger.Error("No stub factory registered for address type", "type", addr.Type(), "address", addr.String())
		return nil, err
	}

	v, err, _ := r.builds.Do(buildKey(addr), func() (any, error) {
		r.cacheMu.RLock()
		s, ok := r.cache[addr]
		r.cacheMu.RUnlock()
		if ok {
			return s, nil
		}

		s, err := f.Build(addr)
		if err != nil {
			return nil, err
		}
		mStubsBuilt.WithLabelValues(string(addr.Type())).Inc()

		r.cacheMu.Lock()
		r.cache[addr] = s
		r.cacheMu.Unlock()
		return s, nil
	})
	switch {
	case err == nil:
		if s := v.(Stub); s.Address() == addr {
			return s, nil
		}
		return nil, fmt.Errorf("stub for %s built for another address", addr)
	case errors.Is(err, proto.ErrNotReady):
		mNotReady.WithLabelValues(string(addr.Type())).Inc()
		r.logger.Debug("Stub factory not ready", "type", addr.Type(), "error", err)
		return nil, err
	case errors.Is(err, proto.ErrInvalidAddress):
		r.logger.Error("Cannot build stub for invalid address", "address", addr.String(), "error", err)
		return nil, err
	default:
		return nil, err
	}
}

// buildKey identifies addr by type and every field. String forms are not
// unique across variants with free-form fields.
func buildKey(addr proto.Address) string {
	return fmt.Sprintf("%#v", addr)
}

// Invalidate forgets the cached stub for addr, closing it if it holds a
// connection. The next GetStub builds a new one.
func (r *Router) Invalidate(addr proto.Address) {
	if addr == nil {
		return
	}
	r.cacheMu.Lock()
	s, ok := r.cache[addr]
	delete(r.cache, addr)
	r.cacheMu.Unlock()
	if ok {
		closeStubs(r.logger, map[proto.Address]Stub{addr: s})
	}
}

// Stubs lists the addresses that currently have a cached stub.
func (r *Router) Stubs() []proto.Address {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	addrs := slices.Collect(maps.Keys(r.cache))
	slices.SortFunc(addrs, func(a, b proto.Address) int {
		return cmp.Compare(a.String(), b.String())
	})
	return addrs
}

// Types lists the address types with a registered factory.
func (r *Router) Types() []proto.AddressType {
	types := slices.Collect(maps.Keys(*r.factories.Load()))
	slices.Sort(types)
	return types
}

// Close closes every cached stub that holds a connection.
func (r *Router) Close() error {
	r.cacheMu.Lock()
	old := r.cache
	r.cache = make(map[proto.Address]Stub)
	r.cacheMu.Unlock()
	return closeStubs(r.logger, old)
}

func closeStubs(logger *slog.Logger, stubs map[proto.Address]Stub) error {
	var errs []error
	for addr, s := range stubs {
		c, ok := s.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Warn("Failed to close stub", "address", addr.String(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
