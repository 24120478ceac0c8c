package inprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbocsi/msgroute/messaging"
	"github.com/mbocsi/msgroute/proto"
	"github.com/mbocsi/msgroute/transport"
)

var ErrNoEndpoint = errors.New("no in-process endpoint bound")

var _ transport.Driver = (*Transport)(nil)

// Transport delivers messages between endpoints that live in this process.
// Stubs hand the message straight to the shared skeleton.
type Transport struct {
	name        string
	description string
	skeleton    *messaging.Skeleton
	logger      *slog.Logger

	endpoints map[string]struct{}
	emu       sync.RWMutex

	maxEndpoints int
	connected    bool
}

func NewTransport(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		name:         "In-Process Transport",
		description:  "Direct delivery between endpoints in this process",
		skeleton:     messaging.NewSkeleton(proto.InProcessAddressType, messaging.WithSkeletonLogger(logger)),
		logger:       logger,
		endpoints:    make(map[string]struct{}),
		maxEndpoints: 64,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	t.logger.Info("Starting in-process transport")
	t.emu.Lock()
	t.connected = true
	t.emu.Unlock()

	<-ctx.Done()
	return nil
}

func (t *Transport) Shutdown() error {
	t.emu.Lock()
	defer t.emu.Unlock()
	t.endpoints = make(map[string]struct{})
	t.connected = false
	t.logger.Info("In-process transport shut down")
	return nil
}

func (t *Transport) Meta() transport.Metadata {
	t.emu.RLock()
	defer t.emu.RUnlock()
	return transport.Metadata{
		Name:        t.name,
		Type:        proto.InProcessAddressType,
		Protocol:    "memory",
		Address:     "na",
		Description: t.description,
		Clients:     len(t.endpoints),
		MaxClients:  t.maxEndpoints,
		Connected:   t.connected,
		Ready:       true,
	}
}

func (t *Transport) SetName(name string)               { t.name = name }
func (t *Transport) SetDescription(description string) { t.description = description }
func (t *Transport) SetMaxEndpoints(n int)             { t.maxEndpoints = n }

func (t *Transport) Skeleton() *messaging.Skeleton   { return t.skeleton }
func (t *Transport) Factory() messaging.StubFactory { return &factory{t: t} }

// Bind makes name reachable and returns its address.
func (t *Transport) Bind(name string) (proto.InProcessAddress, error) {
	addr, err := proto.NewInProcessAddress(name)
	if err != nil {
		return addr, err
	}

	t.emu.Lock()
	defer t.emu.Unlock()
	if _, ok := t.endpoints[name]; !ok && t.maxEndpoints > 0 && len(t.endpoints) >= t.maxEndpoints {
		return addr, fmt.Errorf("in-process endpoint limit %d reached", t.maxEndpoints)
	}
	t.endpoints[name] = struct{}{}
	t.logger.Debug("Bound in-process endpoint", "name", name)
	return addr, nil
}

// Unbind removes name. Later transmissions to it fail.
func (t *Transport) Unbind(name string) {
	t.emu.Lock()
	delete(t.endpoints, name)
	t.emu.Unlock()
}

func (t *Transport) bound(name string) bool {
	t.emu.RLock()
	defer t.emu.RUnlock()
	_, ok := t.endpoints[name]
	return ok
}

type factory struct {
	t *Transport
}

func (f *factory) Type() proto.AddressType { return proto.InProcessAddressType }

func (f *factory) Build(addr proto.Address) (messaging.Stub, error) {
	a, err := messaging.AddressAs[proto.InProcessAddress]("build in-process stub", addr)
	if err != nil {
		return nil, err
	}
	return &stub{addr: a, t: f.t}, nil
}

type stub struct {
	addr proto.InProcessAddress
	t    *Transport
}

func (s *stub) Address() proto.Address { return s.addr }

func (s *stub) Transmit(ctx context.Context, msg *proto.Message) error {
	if err := ctx.Err(); err != nil {
		return proto.Transport("in-process transmit", err)
	}
	if !s.t.bound(s.addr.Name) {
		return proto.Transport("in-process transmit", fmt.Errorf("%w: %s", ErrNoEndpoint, s.addr.Name))
	}
	s.t.skeleton.Deliver(msg.Clone())
	return nil
}
