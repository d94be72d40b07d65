// Package bus implements the in-process publish/subscribe message router.
//
// Delivery is synchronous fan-out, at most once. Messages are not persisted
// or replayed; a bounded audit log keeps the most recent traffic for
// debugging and correlation lookups.
package bus

import (
	"fmt"
	"log"
	"sync"

	"github.com/bsvalues/BCBSWebhub/internal/protocol"
	"github.com/bsvalues/BCBSWebhub/pkg/observability"
)

// ErrNoSubscriber is returned when a directly addressed message has no
// registered handler. Broadcast publishes never return it.
var ErrNoSubscriber = fmt.Errorf("no subscriber for destination")

// Handler receives published envelopes. Handlers run synchronously on the
// publisher's goroutine; a panicking handler is recovered and logged, never
// propagated to the publisher.
type Handler func(msg *protocol.Envelope)

// Token identifies a single subscription for later removal.
type Token struct {
	key string
	id  uint64
}

type subscription struct {
	id uint64
	fn Handler
}

// Bus routes envelopes to subscribers by destination key.
// Bus is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	audit  *auditLog
}

// DefaultAuditLogSize bounds the audit log when no size is configured.
const DefaultAuditLogSize = 1000

// New creates a bus with an audit log of the given capacity.
func New(auditSize int) *Bus {
	if auditSize <= 0 {
		auditSize = DefaultAuditLogSize
	}
	return &Bus{
		subs:  make(map[string][]subscription),
		audit: newAuditLog(auditSize),
	}
}

// Subscribe registers a handler under the given key and returns a token for
// Unsubscribe. Multiple handlers per key are invoked in registration order.
func (b *Bus) Subscribe(key string, h Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[key] = append(b.subs[key], subscription{id: b.nextID, fn: h})
	return Token{key: key, id: b.nextID}
}

// Unsubscribe removes the subscription identified by the token.
// Unknown tokens are a no-op.
func (b *Bus) Unsubscribe(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[tok.key]
	for i, s := range list {
		if s.id == tok.id {
			b.subs[tok.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[tok.key]) == 0 {
		delete(b.subs, tok.key)
	}
}

// Publish delivers the envelope. A Broadcast destination fans out to every
// subscriber key except the source and always succeeds. A direct destination
// delivers only to handlers registered under that exact key and returns
// ErrNoSubscriber when there are none: no fallback, no implicit retry.
func (b *Bus) Publish(msg *protocol.Envelope) error {
	b.audit.record(msg)
	observability.RecordBusMessage(string(msg.Type), msg.Destination)

	if msg.Destination == protocol.Broadcast {
		b.mu.RLock()
		targets := make([]subscription, 0)
		for key, list := range b.subs {
			if key == msg.Source {
				continue
			}
			targets = append(targets, list...)
		}
		b.mu.RUnlock()

		for _, s := range targets {
			b.invoke(s.fn, msg)
		}
		return nil
	}

	b.mu.RLock()
	list := make([]subscription, len(b.subs[msg.Destination]))
	copy(list, b.subs[msg.Destination])
	b.mu.RUnlock()

	if len(list) == 0 {
		observability.RecordBusDrop(msg.Destination)
		return fmt.Errorf("publish %s to %q: %w", msg.Type, msg.Destination, ErrNoSubscriber)
	}
	for _, s := range list {
		b.invoke(s.fn, msg)
	}
	return nil
}

// invoke runs a handler, isolating the publisher from handler panics.
func (b *Bus) invoke(h Handler, msg *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordHandlerPanic()
			log.Printf("[BUS] handler panic on %s: %v", msg, r)
		}
	}()
	h(msg)
}

// SubscriberKeys returns the currently subscribed destination keys.
func (b *Bus) SubscriberKeys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.subs))
	for k := range b.subs {
		keys = append(keys, k)
	}
	return keys
}

// Recent returns up to n most recently published envelopes, newest last.
func (b *Bus) Recent(n int) []*protocol.Envelope {
	return b.audit.recent(n)
}

// FindByCorrelation returns all audited envelopes whose CorrelationID or ID
// matches the given message id.
func (b *Bus) FindByCorrelation(id string) []*protocol.Envelope {
	return b.audit.findByCorrelation(id)
}

// auditLog is a bounded circular record of published envelopes, FIFO-evicted.
type auditLog struct {
	mu    sync.Mutex
	ring  []*protocol.Envelope
	next  int
	count int
}

func newAuditLog(capacity int) *auditLog {
	return &auditLog{ring: make([]*protocol.Envelope, capacity)}
}

func (a *auditLog) record(msg *protocol.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ring[a.next] = msg
	a.next = (a.next + 1) % len(a.ring)
	if a.count < len(a.ring) {
		a.count++
	}
}

func (a *auditLog) recent(n int) []*protocol.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n <= 0 || n > a.count {
		n = a.count
	}
	out := make([]*protocol.Envelope, 0, n)
	start := a.next - n
	if start < 0 {
		start += len(a.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, a.ring[(start+i)%len(a.ring)])
	}
	return out
}

func (a *auditLog) findByCorrelation(id string) []*protocol.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*protocol.Envelope
	start := a.next - a.count
	if start < 0 {
		start += len(a.ring)
	}
	for i := 0; i < a.count; i++ {
		msg := a.ring[(start+i)%len(a.ring)]
		if msg != nil && (msg.ID == id || msg.CorrelationID == id) {
			out = append(out, msg)
		}
	}
	return out
}
