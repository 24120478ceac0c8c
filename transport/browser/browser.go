package browser

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

var ErrUnknownWindow = errors.New("no window attached")

var _ transport.Driver = (*Transport)(nil)

// Window is the post-message side of a browser frame.
type Window interface {
	PostMessage(ctx context.Context, data []byte) error
}

// WindowFunc adapts a function to Window.
type WindowFunc func(ctx context.Context, data []byte) error

func (f WindowFunc) PostMessage(ctx context.Context, data []byte) error { return f(ctx, data) }

// FrameHub connects windows by id. It stands in for the browser's
// window.postMessage routing between frames of one page.
type FrameHub struct {
	mu      sync.RWMutex
	windows map[string]Window
}

func NewFrameHub() *FrameHub {
	return &FrameHub{windows: make(map[string]Window)}
}

// Attach registers w under id, replacing any previous window with that id.
func (h *FrameHub) Attach(id string, w Window) {
	h.mu.Lock()
	h.windows[id] = w
	h.mu.Unlock()
}

func (h *FrameHub) Detach(id string) {
	h.mu.Lock()
	delete(h.windows, id)
	h.mu.Unlock()
}

func (h *FrameHub) Window(id string) (Window, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.windows[id]
	return w, ok
}

func (h *FrameHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.windows)
}

// Transport sends to other frames through a FrameHub and receives for the
// frames it attached itself.
type Transport struct {
	hub      *FrameHub
	codec    proto.Codec
	skeleton *messaging.Skeleton
	logger   *slog.Logger

	mu        sync.Mutex
	local     map[string]struct{}
	connected bool
}

func NewTransport(hub *FrameHub, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewFrameHub()
	}
	codec := proto.JSONCodec{}
	return &Transport{
		hub:      hub,
		codec:    codec,
		skeleton: messaging.NewSkeleton(proto.BrowserAddressType, messaging.WithDeserializer(codec), messaging.WithSkeletonLogger(logger)),
		logger:   logger,
		local:    make(map[string]struct{}),
	}
}

// AttachLocal registers windowID on the hub with a window that feeds this
// transport's skeleton, and returns its address.
func (t *Transport) AttachLocal(windowID string) (proto.BrowserAddress, error) {
	addr, err := proto.NewBrowserAddress(windowID)
	if err != nil {
		return addr, err
	}
	t.hub.Attach(windowID, WindowFunc(func(_ context.Context, data []byte) error {
		t.skeleton.Receive(data)
		return nil
	}))

	t.mu.Lock()
	t.local[windowID] = struct{}{}
	t.mu.Unlock()
	t.logger.Debug("Attached local window", "window", windowID)
	return addr, nil
}

func (t *Transport) Hub() *FrameHub { return t.hub }

func (t *Transport) Start(ctx context.Context) error {
	t.logger.Info("Starting browser transport")
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Shutdown detaches every local window from the hub.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.local {
		t.hub.Detach(id)
	}
	t.local = make(map[string]struct{})
	t.connected = false
	t.logger.Info("Browser transport shut down")
	return nil
}

func (t *Transport) Meta() transport.Metadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return transport.Metadata{
		Name:        "Browser Transport",
		Type:        proto.BrowserAddressType,
		Protocol:    "postMessage",
		Description: "Inter-frame messaging",
		Clients:     len(t.local),
		Connected:   t.connected,
		Ready:       true,
	}
}

func (t *Transport) Skeleton() *messaging.Skeleton   { return t.skeleton }
func (t *Transport) Factory() messaging.StubFactory { return &factory{t: t} }

type factory struct {
	t *Transport
}

func (f *factory) Type() proto.AddressType { return proto.BrowserAddressType }

func (f *factory) Build(addr proto.Address) (messaging.Stub, error) {
	a, err := messaging.AddressAs[proto.BrowserAddress]("build browser stub", addr)
	if err != nil {
		return nil, err
	}
	return &stub{addr: a, t: f.t}, nil
}

type stub struct {
	addr proto.BrowserAddress
	t    *Transport
}

func (s *stub) Address() proto.Address { return s.addr }

func (s *stub) Transmit(ctx context.Context, msg *proto.Message) error {
	w, ok := s.t.hub.Window(s.addr.WindowID)
	if !ok {
		return proto.Transport("browser transmit", fmt.Errorf("%w: %s", ErrUnknownWindow, s.addr.WindowID))
	}
	data, err := s.t.codec.Encode(msg)
	if err != nil {
		return proto.Transport("browser transmit", err)
	}
	if err := w.PostMessage(ctx, data); err != nil {
		return proto.Transport("browser transmit", err)
	}
	s.t.logger.Debug("Posted browser message", "window", s.addr.WindowID, "id", msg.ID, "size", len(data))
	return nil
}
