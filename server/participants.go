package server

import (
	"context"
	"slices"
	"sync"

	"github.com/mbocsi/msgroute/proto"
)

// Participant is a local endpoint that messages are dispatched to by
// recipient id.
type Participant interface {
	HandleMessage(ctx context.Context, msg *proto.Message) error
}

type ParticipantFunc func(ctx context.Context, msg *proto.Message) error

func (f ParticipantFunc) HandleMessage(ctx context.Context, msg *proto.Message) error {
	return f(ctx, msg)
}

type ParticipantRegistry struct {
	mu    sync.RWMutex
	store map[string]Participant
}

func NewParticipantRegistry() *ParticipantRegistry {
	return &ParticipantRegistry{store: make(map[string]Participant)}
}

func (r *ParticipantRegistry) Store(id string, p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[id] = p
}

func (r *ParticipantRegistry) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.store[id]
	return p, ok
}

func (r *ParticipantRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, id)
}

// IDs returns the registered participant ids in sorted order.
func (r *ParticipantRegistry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.store))
	for id := range r.store {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
