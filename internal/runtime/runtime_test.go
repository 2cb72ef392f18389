package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentjido/jido-messaging/internal/agent"
	"github.com/agentjido/jido-messaging/internal/bridge"
	"github.com/agentjido/jido-messaging/internal/bridge/manifest"
	"github.com/agentjido/jido-messaging/internal/deadletter"
	"github.com/agentjido/jido-messaging/internal/lifecycle"
	"github.com/agentjido/jido-messaging/internal/observability"
	"github.com/agentjido/jido-messaging/internal/routing"
	"github.com/agentjido/jido-messaging/internal/storage"
	"github.com/agentjido/jido-messaging/pkg/models"
)

type sentCall struct {
	room string
	text string
	opts bridge.SendOptions
}

type fakeAdapter struct {
	mu           sync.Mutex
	sends        []sentCall
	failSend     error
	health       error
	listenerErr  error // set before StartBridge
	listenerRuns atomic.Int32
}

func (a *fakeAdapter) ChannelType() models.ChannelType { return models.ChannelType("fake") }

func (a *fakeAdapter) TransformIncoming(ctx context.Context, raw any) (*models.Incoming, error) {
	in, ok := raw.(*models.Incoming)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected raw payload", bridge.ErrInvalidRequest)
	}
	return in, nil
}

func (a *fakeAdapter) SendMessage(ctx context.Context, externalRoomID, text string, opts bridge.SendOptions) (*bridge.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failSend != nil {
		return nil, a.failSend
	}
	a.sends = append(a.sends, sentCall{room: externalRoomID, text: text, opts: opts})
	return &bridge.SendResult{MessageID: fmt.Sprintf("ext-%d", len(a.sends))}, nil
}

func (a *fakeAdapter) CheckHealth(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

func (a *fakeAdapter) ProbeInterval() time.Duration { return 10 * time.Millisecond }

func (a *fakeAdapter) ListenerSpecs(instanceID string, opts map[string]any) ([]bridge.ListenerSpec, error) {
	return []bridge.ListenerSpec{{
		Name: "poller",
		Run: func(ctx context.Context) error {
			a.listenerRuns.Add(1)
			if a.listenerErr != nil {
				return a.listenerErr
			}
			<-ctx.Done()
			return nil
		},
	}}, nil
}

func (a *fakeAdapter) setFailSend(err error) {
	a.mu.Lock()
	a.failSend = err
	a.mu.Unlock()
}

func (a *fakeAdapter) sent() []sentCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]sentCall, len(a.sends))
	copy(out, a.sends)
	return out
}

func newTestRuntime(t *testing.T) (*Runtime, *fakeAdapter) {
	t.Helper()

	adapter := &fakeAdapter{}
	registry := manifest.NewRegistry()
	registry.RegisterFactory("adapter.fake", func(opts map[string]any) (bridge.Adapter, error) {
		return adapter, nil
	})
	err := registry.Load([]manifest.Source{{
		Name:     "test",
		Required: true,
		Data:     []byte(`{"manifest_version":1,"id":"fake-main","adapter_module":"adapter.fake"}`),
	}})
	if err != nil {
		t.Fatalf("registry load: %v", err)
	}

	rt := New(storage.NewMemoryStore(), registry, Options{InstanceID: "test"})
	t.Cleanup(rt.Shutdown)

	_, err = rt.Configs().PutBridgeConfig(context.Background(), &models.BridgeConfig{
		ID:            "fake-main",
		AdapterModule: "adapter.fake",
		Enabled:       true,
		Opts:          map[string]any{"channel": "fake"},
	}, routing.NoCheck())
	if err != nil {
		t.Fatalf("put bridge config: %v", err)
	}
	return rt, adapter
}

func incoming(n int) *models.Incoming {
	return &models.Incoming{
		ExternalRoomID:    "chat-1",
		ExternalUserID:    "user-7",
		ExternalMessageID: fmt.Sprintf("plat-%d", n),
		Text:              fmt.Sprintf("hello %d", n),
		ChatType:          models.ChatGroup,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIngestToAgentReplyRoundTrip(t *testing.T) {
	rt, adapter := newTestRuntime(t)
	ctx := context.Background()

	res, err := rt.Ingest(ctx, "fake-main", incoming(1))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	roomID := res.Context.Room.ID
	if roomID == "" {
		t.Fatal("ingest did not resolve a room")
	}

	err = rt.StartAgent(ctx, roomID, "agent-1", agent.Config{
		Name:    "helper",
		Trigger: agent.Trigger{Kind: agent.TriggerAll},
		Handler: func(ctx context.Context, msg *models.Message, actx agent.Context) (agent.Result, error) {
			return agent.Reply("pong: " + msg.TextContent()), nil
		},
	})
	if err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	waitFor(t, "agent subscription", func() bool { return rt.Hub().SubscriberCount(roomID) >= 1 })

	if _, err := rt.Ingest(ctx, "fake-main", incoming(2)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	waitFor(t, "agent reply delivery", func() bool { return len(adapter.sent()) >= 1 })
	sent := adapter.sent()[0]
	if sent.room != "chat-1" || sent.text != "pong: hello 2" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestSendRoutesThroughGateway(t *testing.T) {
	rt, adapter := newTestRuntime(t)
	ctx := context.Background()

	res, err := rt.Ingest(ctx, "fake-main", incoming(1))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	report, err := rt.Send(ctx, res.Context.Room.ID, "direct send", routing.SendOptions{MessageID: "m-out"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(report.Delivered) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if sent := adapter.sent(); len(sent) != 1 || sent[0].text != "direct send" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestTerminalSendFailureDeadLettersAndReplays(t *testing.T) {
	rt, adapter := newTestRuntime(t)
	ctx := context.Background()

	res, err := rt.Ingest(ctx, "fake-main", incoming(1))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	roomID := res.Context.Room.ID

	adapter.setFailSend(bridge.ErrInvalidRequest)
	var failed *routing.DeliveryFailedError
	if _, err := rt.Send(ctx, roomID, "doomed", routing.SendOptions{MessageID: "m-fail"}); !errors.As(err, &failed) {
		t.Fatalf("err = %v, want DeliveryFailedError", err)
	}
	waitFor(t, "dead letter capture", func() bool { return rt.DeadLetters().Len() == 1 })

	adapter.setFailSend(nil)
	recID := rt.DeadLetters().List(0, 0)[0].ID
	if err := rt.DeadLetters().Replay(ctx, recID, deadletter.ReplayOptions{}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if sent := adapter.sent(); len(sent) != 1 || sent[0].text != "doomed" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestStartBridgeLifecycleAndListeners(t *testing.T) {
	rt, adapter := newTestRuntime(t)

	if err := rt.StartBridge("fake-main", nil); err != nil {
		t.Fatalf("StartBridge: %v", err)
	}
	if err := rt.StartBridge("fake-main", nil); err == nil {
		t.Error("second StartBridge for the same bridge should fail")
	}

	waitFor(t, "lifecycle connected", func() bool {
		st, ok := rt.BridgeStatus("fake-main")
		return ok && st.State == lifecycle.StateConnected
	})
	waitFor(t, "listener started", func() bool { return adapter.listenerRuns.Load() >= 1 })

	st, _ := rt.BridgeStatus("fake-main")
	if st.InstanceID != "fake-main" || st.ConsecutiveFailures != 0 {
		t.Errorf("status = %+v", st)
	}
	if _, ok := rt.BridgeStatus("ghost"); ok {
		t.Error("unknown bridge must not report status")
	}
}

func TestListenerCrashLoopEscalatesBridgeSubtree(t *testing.T) {
	rt, adapter := newTestRuntime(t)
	adapter.listenerErr = errors.New("poller socket lost")

	signals, cancel := rt.Emitter().Subscribe(64)
	defer cancel()

	if err := rt.StartBridge("fake-main", nil); err != nil {
		t.Fatalf("StartBridge: %v", err)
	}

	escalated := false
	deadline := time.After(5 * time.Second)
	for !escalated {
		select {
		case sig := <-signals:
			if sig.Type == "jido."+string(observability.EventInstanceError) &&
				sig.Data["reason"] == "restart_intensity_exceeded" {
				if sig.Data["instance_id"] != "fake-main" {
					t.Errorf("escalation data = %v", sig.Data)
				}
				escalated = true
			}
		case <-deadline:
			t.Fatal("crash-looping listener never escalated its subtree")
		}
	}

	// Escalation cancels the whole bridge subtree, lifecycle included.
	waitFor(t, "bridge lifecycle stopped", func() bool {
		st, ok := rt.BridgeStatus("fake-main")
		return ok && st.State == lifecycle.StateStopped
	})
	if runs := adapter.listenerRuns.Load(); runs < 6 {
		t.Errorf("listener runs = %d, want the full restart budget consumed", runs)
	}
}

func TestIngestUnknownBridge(t *testing.T) {
	rt, _ := newTestRuntime(t)
	if _, err := rt.Ingest(context.Background(), "ghost", incoming(1)); err == nil {
		t.Fatal("unknown bridge must fail")
	}
}
