package messaging

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mbocsi/msgroute/proto"
)

// SkeletonRegistry maps address types to the one live Skeleton serving them.
// The table is meant to be populated once during startup; reads never lock.
type SkeletonRegistry struct {
	mu     sync.Mutex
	table  atomic.Pointer[map[proto.AddressType]*Skeleton]
	logger *slog.Logger
}

func NewSkeletonRegistry(logger *slog.Logger) *SkeletonRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &SkeletonRegistry{logger: logger}
	r.table.Store(&map[proto.AddressType]*Skeleton{})
	return r
}

// SetSkeletons replaces the whole table. The mapping is copied; later changes
// to it by the caller have no effect.
func (r *SkeletonRegistry) SetSkeletons(skeletons map[proto.AddressType]*Skeleton) error {
	for t, s := range skeletons {
		if s == nil {
			return fmt.Errorf("skeleton for %q is nil", t)
		}
		if s.Type() != t {
			return fmt.Errorf("skeleton for %q registered under %q", s.Type(), t)
		}
	}

	next := maps.Clone(skeletons)
	if next == nil {
		next = map[proto.AddressType]*Skeleton{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.table.Store(&next)
	return nil
}

// GetSkeleton returns the skeleton serving addr's variant. Drivers that
// carry one address kind feed their own skeleton; GetSkeleton is for code
// that receives raw traffic tagged with a destination address and must pick
// the skeleton per message.
func (r *SkeletonRegistry) GetSkeleton(addr proto.Address) (*Skeleton, error) {
	if addr == nil {
		return nil, proto.InvalidAddress("get skeleton", "address is nil")
	}
	return r.GetSkeletonByType(addr.Type())
}

// GetSkeletonByType is GetSkeleton for callers that only carry the address
// type, such as demultiplexers of shared physical channels.
func (r *SkeletonRegistry) GetSkeletonByType(t proto.AddressType) (*Skeleton, error) {
	s, ok := (*r.table.Load())[t]
	if !ok {
		err := proto.UnknownAddressType("get skeleton", t)
		r.logger.Error("No skeleton registered for address type", "type", t)
		return nil, err
	}
	return s, nil
}

// Types lists the registered address types in a stable order.
func (r *SkeletonRegistry) Types() []proto.AddressType {
	types := slices.Collect(maps.Keys(*r.table.Load()))
	slices.Sort(types)
	return types
}
