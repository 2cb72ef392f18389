package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestEmitterDeliversToSubscribers(t *testing.T) {
	e := NewEmitter("inst-1")
	ch, cancel := e.Subscribe(4)
	defer cancel()

	e.Emit(Event{
		Name:          EventMessageReceived,
		RoomID:        "room-1",
		CorrelationID: "msg-1",
		Data:          map[string]any{"channel": "telegram"},
	})

	select {
	case sig := <-ch:
		if sig.Type != "jido.messaging.message.received" {
			t.Errorf("signal type = %q", sig.Type)
		}
		if sig.Source != "runtime/inst-1" {
			t.Errorf("signal source = %q", sig.Source)
		}
		if sig.Subject != "room-1" {
			t.Errorf("signal subject = %q", sig.Subject)
		}
		if sig.CorrelationID != "msg-1" {
			t.Errorf("correlation id = %q", sig.CorrelationID)
		}
		if sig.ID == "" {
			t.Error("signal id missing")
		}
	case <-time.After(time.Second):
		t.Fatal("no signal received")
	}
}

func TestEmitterNeverBlocksOnFullSubscriber(t *testing.T) {
	e := NewEmitter("inst-1")
	_, cancel := e.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Emit(Event{Name: EventMessageSent})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full subscriber")
	}
}

func TestEmitterCancelIsIdempotent(t *testing.T) {
	e := NewEmitter("inst-1")
	_, cancel := e.Subscribe(1)
	cancel()
	cancel() // second cancel must not panic

	e.Emit(Event{Name: EventMessageSent})
}

func TestMetricsSinkObservesEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := NewEmitter("inst-1", WithMetricsSink(m))

	e.Emit(Event{Name: EventMessageReceived, Data: map[string]any{"channel": "slack"}})
	e.Emit(Event{Name: EventGatewayPressure, Data: map[string]any{"partition": "3", "level": "warn"}})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := map[string]bool{}
	for _, f := range families {
		seen[f.GetName()] = true
	}
	if !seen["messaging_messages_total"] {
		t.Error("messages_total not recorded")
	}
	if !seen["messaging_pressure_transitions_total"] {
		t.Error("pressure_transitions_total not recorded")
	}
}
