package messaging

import (
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mbocsi/msgroute/proto"
)

// Listener receives inbound messages from a Skeleton. Listeners are removed by
// identity, so implementations should be pointers or other comparable values.
// Slice, map and func listeners are matched by their backing pointer; any other
// non-comparable listener is always treated as new.
type Listener interface {
	OnMessage(msg *proto.Message) error
}

type funcListener struct {
	fn func(*proto.Message) error
}

func (l *funcListener) OnMessage(msg *proto.Message) error { return l.fn(msg) }

// ListenerFunc wraps fn in a Listener with its own identity. Keep the returned
// value to unregister it later.
func ListenerFunc(fn func(*proto.Message) error) Listener {
	return &funcListener{fn: fn}
}

// Skeleton is the inbound side of one transport. Drivers hand it raw payloads;
// it decodes them and fans them out to every registered listener.
type Skeleton struct {
	addrType proto.AddressType
	decoder  proto.Deserializer
	logger   *slog.Logger

	mu        sync.Mutex // serializes writers of listeners
	listeners atomic.Pointer[[]Listener]
}

type SkeletonOption func(*Skeleton)

// WithDeserializer replaces the default JSON decoder.
func WithDeserializer(d proto.Deserializer) SkeletonOption {
	return func(s *Skeleton) { s.decoder = d }
}

func WithSkeletonLogger(l *slog.Logger) SkeletonOption {
	return func(s *Skeleton) { s.logger = l }
}

func NewSkeleton(t proto.AddressType, opts ...SkeletonOption) *Skeleton {
	s := &Skeleton{
		addrType: t,
		decoder:  proto.JSONCodec{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("transport", string(t))
	s.listeners.Store(&[]Listener{})
	return s
}

// Type returns the address type this skeleton serves.
func (s *Skeleton) Type() proto.AddressType { return s.addrType }

// RegisterListener adds l. Registering the same listener twice is a no-op.
func (s *Skeleton) RegisterListener(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.listeners.Load()
	if slices.ContainsFunc(cur, func(o Listener) bool { return sameListener(o, l) }) {
		return
	}
	next := make([]Listener, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	s.listeners.Store(&next)
}

// UnregisterListener removes l. Unknown listeners are ignored.
func (s *Skeleton) UnregisterListener(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.listeners.Load()
	i := slices.IndexFunc(cur, func(o Listener) bool { return sameListener(o, l) })
	if i < 0 {
		return
	}
	next := make([]Listener, 0, len(cur)-1)
	next = append(next, cur[:i]...)
	next = append(next, cur[i+1:]...)
	s.listeners.Store(&next)
}

// sameListener compares listener identity without panicking on
// non-comparable dynamic types.
func sameListener(a, b Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Comparable() && vb.Comparable() {
		return a == b
	}
	switch ta.Kind() {
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	case reflect.Map, reflect.Func:
		return va.Pointer() == vb.Pointer()
	}
	return false
}

// Listeners returns the number of registered listeners.
func (s *Skeleton) Listeners() int {
	return len(*s.listeners.Load())
}

// Receive decodes raw and delivers it. Payloads that cannot be decoded are
// logged and dropped; they never reach listeners.
func (s *Skeleton) Receive(raw []byte) {
	msg, err := s.decoder.Decode(raw)
	if err != nil {
		s.drop(err, len(raw))
		return
	}
	s.Deliver(msg)
}

// Deliver hands an already decoded message to the listeners. It applies the
// same well-formedness check as Receive.
func (s *Skeleton) Deliver(msg *proto.Message) {
	if err := msg.Validate(); err != nil {
		s.drop(proto.MalformedPayload("deliver", err), 0)
		return
	}
	s.fanOut(msg)
}

func (s *Skeleton) drop(err error, size int) {
	mDropped.WithLabelValues(string(s.addrType)).Inc()
	s.logger.Warn("Dropping malformed inbound message", "error", err, "size", size)
}

func (s *Skeleton) fanOut(msg *proto.Message) {
	listeners := *s.listeners.Load()
	mReceived.WithLabelValues(string(s.addrType)).Inc()

	for _, l := range listeners {
		if err := s.invoke(l, msg.Clone()); err != nil {
			mListenerFailures.WithLabelValues(string(s.addrType)).Inc()
			s.logger.Warn("Listener failed to handle message", "id", msg.ID, "type", msg.Type, "error", err)
		}
	}
	s.logger.Debug("Message delivered",
		"id", msg.ID,
		"type", msg.Type,
		"recipient", msg.Recipient,
		"listeners", len(listeners),
	)
}

func (s *Skeleton) invoke(l Listener, msg *proto.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.OnMessage(msg)
}
