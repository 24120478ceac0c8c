package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/msgroute/proto"
)

// recordHandler keeps every record so tests can count log lines per level.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

func newRecordingLogger() (*slog.Logger, *recordHandler) {
	h := &recordHandler{}
	return slog.New(h), h
}

func testMessage(t *testing.T, recipient string) *proto.Message {
	t.Helper()
	return proto.NewMessage(proto.TypeRequest, "tester", recipient, json.RawMessage(`{"n":1}`), time.Minute)
}

func rawMessage(t *testing.T, recipient string) []byte {
	t.Helper()
	b, err := proto.JSONCodec{}.Encode(testMessage(t, recipient))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

// collector is a Listener that records what it receives.
type collector struct {
	mu   sync.Mutex
	msgs []*proto.Message
	err  error
}

func (c *collector) OnMessage(msg *proto.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func (c *collector) received() []*proto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*proto.Message(nil), c.msgs...)
}

type fakeStub struct {
	addr     proto.Address
	mu       sync.Mutex
	sent     []*proto.Message
	failWith error
	closed   bool
}

func (s *fakeStub) Transmit(_ context.Context, msg *proto.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeStub) Address() proto.Address { return s.addr }

func (s *fakeStub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeFactory builds fakeStubs for one address type. While local is unset it
// reports NotReady, like a transport waiting for its own address.
type fakeFactory struct {
	typ      proto.AddressType
	local    *Deferred[string]
	mu       sync.Mutex
	calls    int
	builds   int
	stubs    []*fakeStub
	failWith error
}

func newFakeFactory(typ proto.AddressType, deferred bool) *fakeFactory {
	f := &fakeFactory{typ: typ}
	if deferred {
		f.local = NewDeferred[string]()
	}
	return f
}

func (f *fakeFactory) Type() proto.AddressType { return f.typ }

func (f *fakeFactory) Build(addr proto.Address) (Stub, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := checkType("build fake stub", f.typ, addr); err != nil {
		return nil, err
	}
	if f.local != nil {
		if _, ok := f.local.Get(); !ok {
			return nil, proto.NotReady("build fake stub", "local address not assigned")
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	s := &fakeStub{addr: addr, failWith: f.failWith}
	f.stubs = append(f.stubs, s)
	return s, nil
}

func (f *fakeFactory) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
