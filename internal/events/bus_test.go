package events

import (
	"testing"
)

func TestBus_PublishDeliversInOrder(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe(func(raw []byte) { got = append(got, "a:"+string(raw)) })
	bus.Subscribe(func(raw []byte) { got = append(got, "b:"+string(raw)) })

	bus.Publish([]byte("x"))

	if len(got) != 2 || got[0] != "a:x" || got[1] != "b:x" {
		t.Fatalf("Unexpected delivery order: %v", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	sub := bus.Subscribe(func(raw []byte) { calls++ })

	bus.Publish([]byte("x"))
	sub.Unsubscribe()
	bus.Publish([]byte("y"))

	if calls != 1 {
		t.Fatalf("Expected 1 call after unsubscribe, got %d", calls)
	}
}

func TestSubscription_RebindSwapsHandler(t *testing.T) {
	bus := NewBus()

	var seen string
	sub := bus.Subscribe(func(raw []byte) { seen = "old" })

	sub.Rebind(func(raw []byte) { seen = "new" })
	bus.Publish([]byte("x"))

	if seen != "new" {
		t.Fatalf("Expected rebound handler to run, got %q", seen)
	}
}

func TestSubscription_DeliverAfterUnsubscribeIsNoOp(t *testing.T) {
	bus := NewBus()

	calls := 0
	sub := bus.Subscribe(func(raw []byte) { calls++ })
	sub.Unsubscribe()

	// direct delivery after unsubscribe must not invoke the handler
	sub.deliver([]byte("x"))

	if calls != 0 {
		t.Fatalf("Expected no calls after unsubscribe, got %d", calls)
	}
}
