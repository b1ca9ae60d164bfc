package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.Publish(Event{Type: TokensIssued, Source: "ciba"})

	select {
	case ev := <-ch:
		if ev.Type != TokensIssued || ev.Source != "ciba" {
			t.Errorf("got %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp should be set")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Type: TokensIssued})
	b.Publish(Event{Type: TokensCleared})

	ev := <-ch
	if ev.Type != TokensIssued {
		t.Errorf("first event = %s, want %s", ev.Type, TokensIssued)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected second event %s", ev.Type)
	default:
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}

	ch2, _ := b.Subscribe(1)
	b.Close()
	if _, ok := <-ch2; ok {
		t.Error("channel should be closed after Close")
	}

	ch3, _ := b.Subscribe(1)
	if _, ok := <-ch3; ok {
		t.Error("subscribe after Close should return a closed channel")
	}

	var nilBus *Bus
	nilBus.Publish(Event{Type: SessionEnded})
}
