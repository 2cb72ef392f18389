package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentjido/jido-messaging/internal/observability"
	"github.com/agentjido/jido-messaging/internal/pubsub"
	"github.com/agentjido/jido-messaging/pkg/models"
)

type replyRecorder struct {
	mu      sync.Mutex
	replies []*models.Message
}

func (r *replyRecorder) SendReply(ctx context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, msg)
	return nil
}

func (r *replyRecorder) wait(t *testing.T) *models.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.replies) > 0 {
			msg := r.replies[0]
			r.mu.Unlock()
			return msg
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no reply delivered")
	return nil
}

func (r *replyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies)
}

func userMessage(id, sender, text string) pubsub.Event {
	return pubsub.Event{
		Kind:   pubsub.MessageAdded,
		RoomID: "room-1",
		Message: &models.Message{
			ID:       id,
			RoomID:   "room-1",
			SenderID: sender,
			Role:     models.RoleUser,
			Content:  []models.ContentBlock{models.TextBlock(text)},
		},
	}
}

func TestTriggerMatching(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		text    string
		want    bool
	}{
		{"all matches anything", Trigger{Kind: TriggerAll}, "whatever", true},
		{"mention hit", Trigger{Kind: TriggerMention}, "hey @helper can you look", true},
		{"mention miss", Trigger{Kind: TriggerMention}, "hey helper", false},
		{"prefix hit", Trigger{Kind: TriggerPrefix, Prefix: "!ask"}, "  !ask something", true},
		{"prefix case insensitive", Trigger{Kind: TriggerPrefix, Prefix: "!Ask"}, "!ask me", true},
		{"prefix miss", Trigger{Kind: TriggerPrefix, Prefix: "!ask"}, "please !ask", false},
		{"unknown kind never fires", Trigger{Kind: "bogus"}, "anything", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.trigger.Matches("helper", tt.text); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAgentRepliesWithReplyTo(t *testing.T) {
	hub := pubsub.NewHub(nil)
	rec := &replyRecorder{}

	a, err := StartActor(context.Background(), "room-1", "agent-1", Config{
		Name:    "helper",
		Trigger: Trigger{Kind: TriggerMention},
		Handler: func(ctx context.Context, msg *models.Message, actx Context) (Result, error) {
			if actx.AgentName != "helper" || actx.RoomID != "room-1" {
				t.Errorf("handler context = %+v", actx)
			}
			return Reply("on it"), nil
		},
	}, hub, rec, nil, nil)
	if err != nil {
		t.Fatalf("StartActor: %v", err)
	}
	defer a.Stop()

	// Give the subscription loop a beat to attach.
	waitSubscribers(t, hub, "room-1", 1)
	hub.Publish(userMessage("m1", "user-1", "hey @helper do the thing"))

	reply := rec.wait(t)
	if reply.ReplyToID != "m1" || reply.Role != models.RoleAssistant || reply.SenderID != "agent-1" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.TextContent() != "on it" {
		t.Errorf("reply text = %q", reply.TextContent())
	}
}

func TestAgentSkipsOwnMessages(t *testing.T) {
	hub := pubsub.NewHub(nil)
	rec := &replyRecorder{}

	a, err := StartActor(context.Background(), "room-1", "agent-1", Config{
		Name:    "helper",
		Trigger: Trigger{Kind: TriggerAll},
		Handler: func(ctx context.Context, msg *models.Message, actx Context) (Result, error) {
			return Reply("echo"), nil
		},
	}, hub, rec, nil, nil)
	if err != nil {
		t.Fatalf("StartActor: %v", err)
	}
	defer a.Stop()

	waitSubscribers(t, hub, "room-1", 1)
	hub.Publish(userMessage("m1", "agent-1", "my own words"))
	hub.Publish(userMessage("m2", "user-1", "a real message"))

	reply := rec.wait(t)
	if reply.ReplyToID != "m2" {
		t.Errorf("agent replied to %s, should have skipped its own message", reply.ReplyToID)
	}
	if rec.count() != 1 {
		t.Errorf("replies = %d, want 1", rec.count())
	}
}

func TestAgentTelemetryOnHandlerError(t *testing.T) {
	hub := pubsub.NewHub(nil)
	emitter := observability.NewEmitter("inst-1")
	signals, cancel := emitter.Subscribe(32)
	defer cancel()

	a, err := StartActor(context.Background(), "room-1", "agent-1", Config{
		Name:    "helper",
		Trigger: Trigger{Kind: TriggerAll},
		Handler: func(ctx context.Context, msg *models.Message, actx Context) (Result, error) {
			return Result{}, errors.New("model unavailable")
		},
	}, hub, nil, emitter, nil)
	if err != nil {
		t.Fatalf("StartActor: %v", err)
	}
	defer a.Stop()

	waitSubscribers(t, hub, "room-1", 1)
	hub.Publish(userMessage("m1", "user-1", "hello"))

	var seen []string
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case sig := <-signals:
			seen = append(seen, sig.Type)
		case <-deadline:
			t.Fatalf("signals = %v", seen)
		}
	}
	want := []string{
		"jido.messaging.agent.triggered",
		"jido.messaging.agent.started",
		"jido.messaging.agent.failed",
	}
	for i, w := range want {
		if seen[i] != w {
			t.Errorf("signal[%d] = %s, want %s", i, seen[i], w)
		}
	}
}

func TestAgentSurvivesHandlerPanic(t *testing.T) {
	hub := pubsub.NewHub(nil)
	rec := &replyRecorder{}

	var calls int
	var mu sync.Mutex
	a, err := StartActor(context.Background(), "room-1", "agent-1", Config{
		Name:    "helper",
		Trigger: Trigger{Kind: TriggerAll},
		Handler: func(ctx context.Context, msg *models.Message, actx Context) (Result, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				panic("handler bug")
			}
			return Reply("recovered"), nil
		},
	}, hub, rec, nil, nil)
	if err != nil {
		t.Fatalf("StartActor: %v", err)
	}
	defer a.Stop()

	waitSubscribers(t, hub, "room-1", 1)
	hub.Publish(userMessage("m1", "user-1", "first"))
	hub.Publish(userMessage("m2", "user-1", "second"))

	reply := rec.wait(t)
	if reply.ReplyToID != "m2" {
		t.Errorf("reply to %s, want m2 after surviving panic", reply.ReplyToID)
	}
}

func TestManagerLifecycle(t *testing.T) {
	hub := pubsub.NewHub(nil)
	mgr := NewManager(hub, nil, nil, nil)
	defer mgr.Shutdown()

	cfg := Config{
		Name:    "helper",
		Trigger: Trigger{Kind: TriggerAll},
		Handler: func(ctx context.Context, msg *models.Message, actx Context) (Result, error) {
			return NoReply(), nil
		},
	}

	if _, err := mgr.StartAgent(context.Background(), "room-1", "agent-1", cfg); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	if _, err := mgr.StartAgent(context.Background(), "room-1", "agent-1", cfg); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second start err = %v", err)
	}
	if mgr.ActiveAgents() != 1 {
		t.Errorf("active = %d", mgr.ActiveAgents())
	}

	if !mgr.StopAgent("room-1", "agent-1") {
		t.Error("StopAgent returned false for live agent")
	}
	if mgr.StopAgent("room-1", "agent-1") {
		t.Error("StopAgent returned true for stopped agent")
	}

	if _, err := mgr.StartAgent(context.Background(), "room-1", "agent-2", Config{}); !errors.Is(err, ErrNoHandler) {
		t.Errorf("missing handler err = %v", err)
	}
}

func waitSubscribers(t *testing.T, hub *pubsub.Hub, roomID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount(roomID) < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers on %s = %d, want %d", roomID, hub.SubscriberCount(roomID), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
