package channelbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/workflow"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus, err := New([]workflow.Channel{{Name: "standup", Participants: []string{"alice", "bob"}}})
	if err != nil {
		t.Fatalf("failed to start embedded bus: %v", err)
	}
	defer bus.Close()

	var mu sync.Mutex
	var received []string

	sub, err := bus.Subscribe("standup", "bob", func(msg Message) {
		mu.Lock()
		received = append(received, msg.Sender)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish("standup", "alice", map[string]any{"text": "hello"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "alice" {
		t.Fatalf("expected one message from alice, got %+v", received)
	}
}

func TestPublishRejectsNonParticipant(t *testing.T) {
	bus, err := New([]workflow.Channel{{Name: "standup", Participants: []string{"alice"}}})
	if err != nil {
		t.Fatalf("failed to start embedded bus: %v", err)
	}
	defer bus.Close()

	err = bus.Publish("standup", "eve", "hi")
	if !errors.Is(err, corerr.ErrChannelForbidden) {
		t.Fatalf("expected ErrChannelForbidden, got %v", err)
	}
}
