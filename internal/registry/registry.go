package registry

import (
	"sync"
	"time"

	"payment-gateway/internal/model"
)

// Registry is the in-process ground truth of upstream health. It holds
// exactly two slots, indexed by model.Kind, each guarded by its own
// RWMutex: readers are the dispatch workers on every selection, writers
// are the health prober or subscriber plus dispatch failure marking.
type Registry struct {
	slots [model.NumProcessors]slot
}

type slot struct {
	mu    sync.RWMutex
	state model.ProcessorState
}

// New creates a registry with both processors assumed healthy at the
// given addresses and an initial advertised response time of 100 ms.
func New(defaultAddr, fallbackAddr string) *Registry {
	r := &Registry{}
	r.slots[model.KindDefault].state = model.ProcessorState{
		Address:         defaultAddr,
		MinResponseTime: 100,
		Kind:            model.KindDefault,
	}
	r.slots[model.KindFallback].state = model.ProcessorState{
		Address:         fallbackAddr,
		MinResponseTime: 100,
		Kind:            model.KindFallback,
	}
	return r
}

// Snapshot returns a copy of the slot's state. The copy is consistent:
// it can never mix fields from two different writes.
func (r *Registry) Snapshot(kind model.Kind) model.ProcessorState {
	s := &r.slots[kind]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetHealth overwrites the health fields of a slot. Address and kind are
// fixed at startup and never change.
func (r *Registry) SetHealth(kind model.Kind, failing bool, minResponseTime time.Duration) {
	s := &r.slots[kind]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Failing = failing
	s.state.MinResponseTime = minResponseTime.Milliseconds()
}

// MarkFailing flags a slot as failing without touching its advertised
// response time. Dispatch workers call this on an observed upstream
// failure; the prober clears it on its next healthy tick.
func (r *Registry) MarkFailing(kind model.Kind) {
	s := &r.slots[kind]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Failing = true
}
