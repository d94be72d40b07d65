package breaker

import (
	"sync"
	"time"
)

// stuckOpenFactor is the multiple of ResetTimeout after which the monitor
// forces an OPEN breaker to HALF_OPEN. Covers the case where no caller
// arrived to trigger the normal timeout-based trial.
const stuckOpenFactor = 3

// Registry lazily creates one breaker per destination key.
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	defaults Config
	breakers map[string]*Breaker

	monitorEvery time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
}

// NewRegistry creates a registry with the given default breaker config and
// starts the stuck-open monitor.
func NewRegistry(defaults Config) *Registry {
	r := &Registry{
		defaults:     defaults.withDefaults(),
		breakers:     make(map[string]*Breaker),
		monitorEvery: time.Second,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go r.monitor()
	return r
}

// Get returns the breaker for the key, creating it with registry defaults
// on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, r.defaults)
	r.breakers[key] = b
	return b
}

// GetWithConfig returns the breaker for the key, creating it with the given
// config on first use. An existing breaker keeps its original config.
func (r *Registry) GetWithConfig(key string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := newBreaker(key, cfg)
	r.breakers[key] = b
	return b
}

// Stats returns a snapshot of every breaker keyed by destination.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.Snapshot()
	}
	return out
}

// Reset resets the breaker for the key, if it exists.
func (r *Registry) Reset(key string) {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// Remove deletes the breaker for the key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

// Close stops the monitor and discards all breakers. The registry must not
// be used afterwards.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done

		r.mu.Lock()
		r.breakers = make(map[string]*Breaker)
		r.mu.Unlock()
	})
}

// monitor periodically frees breakers stuck OPEN longer than
// stuckOpenFactor times their reset timeout.
func (r *Registry) monitor() {
	defer close(r.done)

	ticker := time.NewTicker(r.monitorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.RLock()
			list := make([]*Breaker, 0, len(r.breakers))
			for _, b := range r.breakers {
				list = append(list, b)
			}
			r.mu.RUnlock()

			for _, b := range list {
				b.forceHalfOpenIfStuck(stuckOpenFactor * b.cfg.ResetTimeout)
			}
		}
	}
}
