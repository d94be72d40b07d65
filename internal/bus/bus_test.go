package bus

import (
	"errors"
	"testing"

	"github.com/bsvalues/BCBSWebhub/internal/protocol"
)

func TestPublishDirect(t *testing.T) {
	b := New(10)

	var got *protocol.Envelope
	b.Subscribe("worker", func(msg *protocol.Envelope) { got = msg })

	env := protocol.NewEnvelope(protocol.TypeHeartbeat, "mcp", "worker", nil)
	if err := b.Publish(env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got == nil || got.ID != env.ID {
		t.Fatal("subscriber did not receive the envelope")
	}
}

func TestPublishNoSubscriber(t *testing.T) {
	b := New(10)

	env := protocol.NewEnvelope(protocol.TypeTaskRequest, "mcp", "ghost", nil)
	err := b.Publish(env)
	if !errors.Is(err, ErrNoSubscriber) {
		t.Fatalf("got %v, want ErrNoSubscriber", err)
	}
}

func TestBroadcastExcludesSource(t *testing.T) {
	b := New(10)

	counts := make(map[string]int)
	for _, key := range []string{"a", "b", "c"} {
		key := key
		b.Subscribe(key, func(*protocol.Envelope) { counts[key]++ })
	}

	env := protocol.NewEnvelope(protocol.TypeStatusUpdate, "a", protocol.Broadcast, nil)
	if err := b.Publish(env); err != nil {
		t.Fatalf("broadcast publish: %v", err)
	}

	if counts["a"] != 0 {
		t.Error("broadcast must not deliver to its source")
	}
	if counts["b"] != 1 || counts["c"] != 1 {
		t.Errorf("fan-out incomplete: %v", counts)
	}
}

func TestBroadcastWithNoSubscribersSucceeds(t *testing.T) {
	b := New(10)
	env := protocol.NewEnvelope(protocol.TypeStatusUpdate, "a", protocol.Broadcast, nil)
	if err := b.Publish(env); err != nil {
		t.Fatalf("empty broadcast must succeed, got %v", err)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New(10)

	b.Subscribe("worker", func(*protocol.Envelope) { panic("handler bug") })
	var delivered bool
	b.Subscribe("worker", func(*protocol.Envelope) { delivered = true })

	env := protocol.NewEnvelope(protocol.TypeTaskRequest, "mcp", "worker", nil)
	if err := b.Publish(env); err != nil {
		t.Fatalf("publish despite panicking handler: %v", err)
	}
	if !delivered {
		t.Error("panic in one handler must not stop delivery to the next")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(10)

	var calls int
	tok := b.Subscribe("worker", func(*protocol.Envelope) { calls++ })
	b.Unsubscribe(tok)

	err := b.Publish(protocol.NewEnvelope(protocol.TypeHeartbeat, "mcp", "worker", nil))
	if !errors.Is(err, ErrNoSubscriber) {
		t.Fatalf("after unsubscribe, got %v, want ErrNoSubscriber", err)
	}
	if calls != 0 {
		t.Error("unsubscribed handler was invoked")
	}

	// Unknown token is a no-op.
	b.Unsubscribe(tok)
}

func TestReentrantPublish(t *testing.T) {
	b := New(10)

	var replied bool
	b.Subscribe("requester", func(*protocol.Envelope) { replied = true })
	b.Subscribe("worker", func(msg *protocol.Envelope) {
		_ = b.Publish(protocol.NewResponse(msg, protocol.TypeTaskResponse, "worker", nil))
	})

	env := protocol.NewEnvelope(protocol.TypeTaskRequest, "requester", "worker", nil)
	if err := b.Publish(env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !replied {
		t.Error("handler must be able to publish from inside delivery")
	}
}

func TestAuditRecentAndEviction(t *testing.T) {
	b := New(3)

	var ids []string
	for i := 0; i < 5; i++ {
		env := protocol.NewEnvelope(protocol.TypeStatusUpdate, "a", protocol.Broadcast, nil)
		ids = append(ids, env.ID)
		_ = b.Publish(env)
	}

	recent := b.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("audit kept %d envelopes, want capacity 3", len(recent))
	}
	// Oldest evicted, newest last.
	if recent[0].ID != ids[2] || recent[2].ID != ids[4] {
		t.Errorf("audit order wrong: got %s..%s", recent[0].ID, recent[2].ID)
	}
}

func TestFindByCorrelation(t *testing.T) {
	b := New(10)
	b.Subscribe("worker", func(*protocol.Envelope) {})
	b.Subscribe("mcp", func(*protocol.Envelope) {})

	req := protocol.NewEnvelope(protocol.TypeTaskRequest, "mcp", "worker", nil)
	_ = b.Publish(req)
	resp := protocol.NewResponse(req, protocol.TypeTaskResponse, "worker", nil)
	_ = b.Publish(resp)
	_ = b.Publish(protocol.NewEnvelope(protocol.TypeHeartbeat, "mcp", "worker", nil))

	found := b.FindByCorrelation(req.ID)
	if len(found) != 2 {
		t.Fatalf("found %d envelopes for correlation, want request and response", len(found))
	}
}
