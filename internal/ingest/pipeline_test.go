package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentjido/jido-messaging/internal/bridge"
	"github.com/agentjido/jido-messaging/internal/dedup"
	"github.com/agentjido/jido-messaging/internal/pubsub"
	"github.com/agentjido/jido-messaging/internal/room"
	"github.com/agentjido/jido-messaging/internal/session"
	"github.com/agentjido/jido-messaging/internal/storage"
	"github.com/agentjido/jido-messaging/pkg/models"
)

// fakeAdapter echoes the raw event back as a normalized incoming message.
type fakeAdapter struct {
	verify func(ctx context.Context, in *models.Incoming) error
}

func (a *fakeAdapter) ChannelType() models.ChannelType { return models.ChannelTelegram }

func (a *fakeAdapter) TransformIncoming(ctx context.Context, raw any) (*models.Incoming, error) {
	in, ok := raw.(*models.Incoming)
	if !ok {
		return nil, bridge.ErrInvalidRequest
	}
	return in, nil
}

func (a *fakeAdapter) SendMessage(ctx context.Context, externalRoomID, text string, opts bridge.SendOptions) (*bridge.SendResult, error) {
	return &bridge.SendResult{MessageID: "ext-1"}, nil
}

func (a *fakeAdapter) VerifySender(ctx context.Context, in *models.Incoming) error {
	if a.verify == nil {
		return nil
	}
	return a.verify(ctx, in)
}

func incoming(msgID, text string) *models.Incoming {
	return &models.Incoming{
		ExternalRoomID:    "chat-42",
		ExternalUserID:    "user-7",
		Text:              text,
		ExternalMessageID: msgID,
		ChatType:          models.ChatGroup,
		ChatTitle:         "ops",
		Username:          "kim",
	}
}

type fixture struct {
	pipeline *Pipeline
	store    *storage.MemoryStore
	sessions *session.Store
	hub      *pubsub.Hub
	bridge   *bridge.Bridge
}

func newFixture(t *testing.T, opts Options, adapter bridge.Adapter) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	sessions := session.NewStore(session.Options{}, nil)
	hub := pubsub.NewHub(nil)
	rooms := room.NewManager(store, hub, room.Options{}, nil, nil)
	t.Cleanup(rooms.Shutdown)
	filter := dedup.NewFilter(dedup.Options{})

	if adapter == nil {
		adapter = &fakeAdapter{}
	}
	return &fixture{
		pipeline: NewPipeline(opts, store, filter, sessions, rooms, nil, nil, nil),
		store:    store,
		sessions: sessions,
		hub:      hub,
		bridge:   bridge.New("tg-main", adapter),
	}
}

func TestIngestHappyPath(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	res, err := f.pipeline.IngestIncoming(ctx, f.bridge, incoming("ext-1", "hello"))
	if err != nil {
		t.Fatalf("IngestIncoming: %v", err)
	}
	if res.Message.TextContent() != "hello" || res.Message.Role != models.RoleUser {
		t.Errorf("message = %+v", res.Message)
	}
	if res.Context.Room == nil || res.Context.Room.Name != "ops" {
		t.Errorf("room = %+v", res.Context.Room)
	}
	if res.Context.Participant == nil || res.Context.Participant.Identity != "kim" {
		t.Errorf("participant = %+v", res.Context.Participant)
	}
	if !res.Context.Verified {
		t.Error("default verification should pass")
	}

	// Persisted.
	if _, err := f.store.GetMessage(ctx, res.Message.ID); err != nil {
		t.Errorf("message not persisted: %v", err)
	}

	// Session route updated.
	rec, status := f.sessions.Get(res.Context.SessionKey)
	if status != session.StatusFound || rec.Route.ExternalRoomID != "chat-42" {
		t.Errorf("session = %+v (%v)", rec, status)
	}

	// Same external binding resolves to the same room on the next ingest.
	res2, err := f.pipeline.IngestIncoming(ctx, f.bridge, incoming("ext-2", "again"))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if res2.Context.Room.ID != res.Context.Room.ID {
		t.Error("binding should map to one room")
	}
}

func TestIngestShortCircuitsDuplicates(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	if _, err := f.pipeline.IngestIncoming(ctx, f.bridge, incoming("ext-1", "hello")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, err := f.pipeline.IngestIncoming(ctx, f.bridge, incoming("ext-1", "hello")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second ingest err = %v, want ErrDuplicate", err)
	}
}

func TestVerifyMatrix(t *testing.T) {
	denied := errors.New("spoofed sender")
	transient := errors.New("verifier backend down")

	tests := []struct {
		name       string
		strict     bool
		policy     VerifyFailurePolicy
		verifyErr  error
		wantDenied bool
		wantFlag   bool
	}{
		{"explicit denial always denies", false, VerifyAllow,
			errors.Join(bridge.ErrPolicyDenied, denied), true, false},
		{"strict deny short-circuits errors", true, VerifyDeny, transient, true, false},
		{"strict allow proceeds flagged", true, VerifyAllow, transient, false, true},
		{"permissive proceeds flagged", false, VerifyDeny, transient, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &fakeAdapter{verify: func(ctx context.Context, in *models.Incoming) error {
				return tt.verifyErr
			}}
			f := newFixture(t, Options{Strict: tt.strict, VerifyFailurePolicy: tt.policy}, adapter)

			res, err := f.pipeline.IngestIncoming(context.Background(), f.bridge, incoming("ext-1", "hi"))
			if tt.wantDenied {
				var pd *PolicyDeniedError
				if !errors.As(err, &pd) || pd.Stage != "security" {
					t.Fatalf("err = %v, want security denial", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("IngestIncoming: %v", err)
			}
			if res.Context.VerifyFallback != tt.wantFlag {
				t.Errorf("VerifyFallback = %v, want %v", res.Context.VerifyFallback, tt.wantFlag)
			}
		})
	}
}

func TestVerifyTimeoutFollowsMatrix(t *testing.T) {
	adapter := &fakeAdapter{verify: func(ctx context.Context, in *models.Incoming) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	f := newFixture(t, Options{
		VerifyTimeout:       10 * time.Millisecond,
		Strict:              true,
		VerifyFailurePolicy: VerifyDeny,
	}, adapter)

	_, err := f.pipeline.IngestIncoming(context.Background(), f.bridge, incoming("ext-1", "hi"))
	var pd *PolicyDeniedError
	if !errors.As(err, &pd) || pd.Reason != "verify_failed" {
		t.Fatalf("err = %v, want verify_failed denial", err)
	}
}

type fakeGater struct {
	name string
	fn   func(ctx context.Context, msg *models.Message) (GateDecision, error)
}

func (g *fakeGater) Name() string { return g.name }
func (g *fakeGater) Gate(ctx context.Context, msg *models.Message) (GateDecision, error) {
	return g.fn(ctx, msg)
}

type fakeModerator struct {
	name string
	fn   func(ctx context.Context, msg *models.Message) (Moderation, error)
}

func (m *fakeModerator) Name() string { return m.name }
func (m *fakeModerator) Moderate(ctx context.Context, msg *models.Message) (Moderation, error) {
	return m.fn(ctx, msg)
}

func TestGaterDenyShortCircuits(t *testing.T) {
	var moderatorRan bool
	f := newFixture(t, Options{
		Gaters: []Gater{
			&fakeGater{name: "allowlist", fn: func(ctx context.Context, msg *models.Message) (GateDecision, error) {
				return Deny("not_allowlisted", "sender missing from allowlist"), nil
			}},
		},
		Moderators: []Moderator{
			&fakeModerator{name: "profanity", fn: func(ctx context.Context, msg *models.Message) (Moderation, error) {
				moderatorRan = true
				return Moderation{Action: ModerationAllow}, nil
			}},
		},
	}, nil)

	_, err := f.pipeline.IngestIncoming(context.Background(), f.bridge, incoming("ext-1", "hi"))
	var pd *PolicyDeniedError
	if !errors.As(err, &pd) || pd.Stage != "gating" || pd.Reason != "not_allowlisted" {
		t.Fatalf("err = %v", err)
	}
	if moderatorRan {
		t.Error("moderators must not run after a gate deny")
	}
}

func TestModeratorFlagModifyReject(t *testing.T) {
	f := newFixture(t, Options{
		Moderators: []Moderator{
			&fakeModerator{name: "redactor", fn: func(ctx context.Context, msg *models.Message) (Moderation, error) {
				clone := msg.Clone()
				clone.Content = []models.ContentBlock{models.TextBlock(strings.ReplaceAll(msg.TextContent(), "secret", "[redacted]"))}
				return Moderation{Action: ModerationModify, Reason: "redacted", Message: clone}, nil
			}},
			&fakeModerator{name: "tone", fn: func(ctx context.Context, msg *models.Message) (Moderation, error) {
				return Moderation{Action: ModerationFlag, Reason: "heated"}, nil
			}},
		},
	}, nil)

	res, err := f.pipeline.IngestIncoming(context.Background(), f.bridge, incoming("ext-1", "the secret plan"))
	if err != nil {
		t.Fatalf("IngestIncoming: %v", err)
	}
	if res.Message.TextContent() != "the [redacted] plan" {
		t.Errorf("text = %q, modify should apply", res.Message.TextContent())
	}
	if len(res.Context.Flags) != 1 || res.Context.Flags[0] != "heated" {
		t.Errorf("flags = %v", res.Context.Flags)
	}

	f2 := newFixture(t, Options{
		Moderators: []Moderator{
			&fakeModerator{name: "blocker", fn: func(ctx context.Context, msg *models.Message) (Moderation, error) {
				return Moderation{Action: ModerationReject, Reason: "spam"}, nil
			}},
		},
	}, nil)
	_, err = f2.pipeline.IngestIncoming(context.Background(), f2.bridge, incoming("ext-1", "buy now"))
	var pd *PolicyDeniedError
	if !errors.As(err, &pd) || pd.Stage != "moderation" || pd.Reason != "spam" {
		t.Fatalf("err = %v", err)
	}
}

func TestPolicyTimeoutFallbacks(t *testing.T) {
	slowGater := &fakeGater{name: "slow", fn: func(ctx context.Context, msg *models.Message) (GateDecision, error) {
		select {
		case <-time.After(time.Second):
			return Allow(), nil
		case <-ctx.Done():
			return GateDecision{}, ctx.Err()
		}
	}}

	t.Run("timeout denies under deny fallback", func(t *testing.T) {
		f := newFixture(t, Options{
			PolicyTimeout:         10 * time.Millisecond,
			PolicyTimeoutFallback: FallbackDeny,
			Gaters:                []Gater{slowGater},
		}, nil)
		_, err := f.pipeline.IngestIncoming(context.Background(), f.bridge, incoming("ext-1", "hi"))
		var pd *PolicyDeniedError
		if !errors.As(err, &pd) || pd.Reason != "policy_timeout" {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("timeout flags under allow_with_flag fallback", func(t *testing.T) {
		f := newFixture(t, Options{
			PolicyTimeout:         10 * time.Millisecond,
			PolicyTimeoutFallback: FallbackAllowWithFlag,
			Gaters:                []Gater{slowGater},
		}, nil)
		res, err := f.pipeline.IngestIncoming(context.Background(), f.bridge, incoming("ext-1", "hi"))
		if err != nil {
			t.Fatalf("IngestIncoming: %v", err)
		}
		if len(res.Context.Flags) != 1 || !strings.Contains(res.Context.Flags[0], "policy_timeout") {
			t.Errorf("flags = %v", res.Context.Flags)
		}
	})

	t.Run("crash maps through error fallback", func(t *testing.T) {
		crasher := &fakeModerator{name: "crasher", fn: func(ctx context.Context, msg *models.Message) (Moderation, error) {
			panic("moderator bug")
		}}
		f := newFixture(t, Options{
			PolicyErrorFallback: FallbackAllowWithFlag,
			Moderators:          []Moderator{crasher},
		}, nil)
		res, err := f.pipeline.IngestIncoming(context.Background(), f.bridge, incoming("ext-1", "hi"))
		if err != nil {
			t.Fatalf("IngestIncoming: %v", err)
		}
		if len(res.Context.Flags) != 1 || !strings.Contains(res.Context.Flags[0], "policy_error") {
			t.Errorf("flags = %v", res.Context.Flags)
		}
	})
}

func TestIngestFansOutToRoomSubscribers(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	// First ingest creates the room; subscribe to it, then ingest again.
	res, err := f.pipeline.IngestIncoming(ctx, f.bridge, incoming("ext-1", "hello"))
	if err != nil {
		t.Fatalf("IngestIncoming: %v", err)
	}
	sub := f.hub.Subscribe(res.Context.Room.ID, 8)
	defer sub.Cancel()

	if _, err := f.pipeline.IngestIncoming(ctx, f.bridge, incoming("ext-2", "second")); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	select {
	case ev := <-sub.C():
		if ev.Kind != pubsub.MessageAdded || ev.Message.TextContent() != "second" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fan-out event")
	}
}
