// Package ingest runs the inbound pipeline: dedup, sender verification,
// room and participant resolution, content building, policy screening,
// persistence, session update, and fan-out to the room actor.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentjido/jido-messaging/internal/bridge"
	"github.com/agentjido/jido-messaging/internal/dedup"
	"github.com/agentjido/jido-messaging/internal/observability"
	"github.com/agentjido/jido-messaging/internal/room"
	"github.com/agentjido/jido-messaging/internal/session"
	"github.com/agentjido/jido-messaging/internal/storage"
	"github.com/agentjido/jido-messaging/pkg/models"
)

// ErrDuplicate short-circuits an ingest whose fingerprint was already seen.
var ErrDuplicate = errors.New("duplicate message")

// VerifyFailurePolicy decides what a sender-verification error does.
type VerifyFailurePolicy string

const (
	VerifyAllow VerifyFailurePolicy = "allow"
	VerifyDeny  VerifyFailurePolicy = "deny"
)

// Options tunes one pipeline.
type Options struct {
	// VerifyTimeout bounds the sender-verification task.
	VerifyTimeout time.Duration
	// PolicyTimeout bounds each gater and moderator hook.
	PolicyTimeout time.Duration
	// Strict applies VerifyFailurePolicy to transient verification errors;
	// permissive mode proceeds with a fallback flag instead.
	Strict bool
	// VerifyFailurePolicy is consulted for verification errors in strict
	// mode. Explicit denials always deny.
	VerifyFailurePolicy VerifyFailurePolicy
	// PolicyTimeoutFallback maps a hook timeout onto deny or allow+flag.
	PolicyTimeoutFallback PolicyFallback
	// PolicyErrorFallback maps a hook crash onto deny or allow+flag.
	PolicyErrorFallback PolicyFallback

	Media      MediaPolicy
	Gaters     []Gater
	Moderators []Moderator
}

// DefaultOptions returns the pipeline defaults.
func DefaultOptions() Options {
	return Options{
		VerifyTimeout:         50 * time.Millisecond,
		PolicyTimeout:         50 * time.Millisecond,
		Strict:                true,
		VerifyFailurePolicy:   VerifyDeny,
		PolicyTimeoutFallback: FallbackDeny,
		PolicyErrorFallback:   FallbackDeny,
		Media:                 DefaultMediaPolicy(),
	}
}

func (o Options) sanitized() Options {
	def := DefaultOptions()
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = def.VerifyTimeout
	}
	if o.PolicyTimeout <= 0 {
		o.PolicyTimeout = def.PolicyTimeout
	}
	if o.VerifyFailurePolicy != VerifyAllow && o.VerifyFailurePolicy != VerifyDeny {
		o.VerifyFailurePolicy = def.VerifyFailurePolicy
	}
	if o.PolicyTimeoutFallback != FallbackDeny && o.PolicyTimeoutFallback != FallbackAllowWithFlag {
		o.PolicyTimeoutFallback = def.PolicyTimeoutFallback
	}
	if o.PolicyErrorFallback != FallbackDeny && o.PolicyErrorFallback != FallbackAllowWithFlag {
		o.PolicyErrorFallback = def.PolicyErrorFallback
	}
	o.Media = o.Media.sanitized()
	return o
}

// Context is the resolution state an accepted message carries out of the
// pipeline.
type Context struct {
	Room           *models.Room
	Participant    *models.Participant
	SessionKey     models.SessionKey
	Verified       bool
	VerifyFallback bool
	Flags          []string
	CommandHint    string
	RoutingMeta    map[string]any
	MediaDropped   []MediaViolation
}

// Result is a successful ingest.
type Result struct {
	Message *models.Message
	Context Context
}

// Pipeline is one instance's inbound path. Safe for concurrent use.
type Pipeline struct {
	opts     Options
	dedup    *dedup.Filter
	store    storage.Store
	sessions *session.Store
	rooms    *room.Manager
	emitter  *observability.Emitter
	tracer   *observability.Tracer
	logger   *slog.Logger
}

// NewPipeline wires the pipeline. dedup, sessions, rooms, emitter, and
// tracer may be nil for partial assemblies in tests; store is required.
func NewPipeline(opts Options, store storage.Store, filter *dedup.Filter, sessions *session.Store, rooms *room.Manager, emitter *observability.Emitter, tracer *observability.Tracer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		opts:     opts.sanitized(),
		dedup:    filter,
		store:    store,
		sessions: sessions,
		rooms:    rooms,
		emitter:  emitter,
		tracer:   tracer,
		logger:   logger.With("component", "ingest"),
	}
}

// IngestIncoming runs one raw platform event through the pipeline.
func (p *Pipeline) IngestIncoming(ctx context.Context, br *bridge.Bridge, raw any) (res *Result, err error) {
	if p.tracer != nil {
		spanCtx, span := p.tracer.StartIngest(ctx, string(br.ChannelType()), br.ID())
		defer func() { observability.EndSpan(span, err) }()
		ctx = spanCtx
	}
	return p.ingest(ctx, br, raw)
}

func (p *Pipeline) ingest(ctx context.Context, br *bridge.Bridge, raw any) (*Result, error) {
	in, err := br.TransformIncoming(ctx, raw)
	if err != nil {
		return nil, err
	}

	// 1. Fingerprint + dedup.
	if p.dedup != nil {
		fp := dedup.Fingerprint{
			Channel:           br.ChannelType(),
			BridgeID:          br.ID(),
			ExternalRoomID:    in.ExternalRoomID,
			ExternalMessageID: in.ExternalMessageID,
		}
		if p.dedup.CheckAndMark(fp) == dedup.VerdictDuplicate {
			return nil, ErrDuplicate
		}
	}

	ictx := Context{}

	// 2. Bounded sender verification.
	if err := p.verify(ctx, br, in, &ictx); err != nil {
		return nil, err
	}

	// 3. Resolve room.
	binding := models.ExternalBinding{
		Channel:        br.ChannelType(),
		BridgeID:       br.ID(),
		ExternalRoomID: in.ExternalRoomID,
	}
	rm, _, err := p.store.GetOrCreateRoomByExternalBinding(ctx, binding, storage.RoomAttrs{
		Type: in.RoomType(),
		Name: in.ChatTitle,
	})
	if err != nil {
		return nil, err
	}
	ictx.Room = rm

	// 4. Resolve participant.
	participant, _, err := p.store.GetOrCreateParticipantByExternalID(ctx, br.ChannelType(), in.ExternalUserID, storage.ParticipantAttrs{
		Type:        models.ParticipantHuman,
		Identity:    in.Username,
		DisplayName: in.DisplayName,
	})
	if err != nil {
		return nil, err
	}
	ictx.Participant = participant

	// 5. Build content.
	msg, err := p.buildMessage(rm, participant, in, &ictx)
	if err != nil {
		return nil, err
	}
	if hint, ok := br.ExtractCommandHint(in); ok {
		ictx.CommandHint = hint
	}
	if meta, err := br.ExtractRoutingMetadata(in); err == nil && len(meta) > 0 {
		ictx.RoutingMeta = meta
	}

	// 6. Gaters then moderators.
	msg, err = p.applyPolicies(ctx, msg, &ictx)
	if err != nil {
		return nil, err
	}
	if len(ictx.Flags) > 0 {
		if msg.Metadata == nil {
			msg.Metadata = map[string]any{}
		}
		msg.Metadata["policy_flags"] = ictx.Flags
	}

	// 7. Persist.
	if err := p.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}

	// 8. Update session route.
	ictx.SessionKey = models.SessionKey{
		ChannelType: br.ChannelType(),
		BridgeID:    br.ID(),
		RoomScope:   in.ExternalRoomID,
		ThreadID:    in.ExternalThreadID,
	}
	if p.sessions != nil {
		p.sessions.Set(ictx.SessionKey, models.Route{
			BridgeID:       br.ID(),
			Channel:        br.ChannelType(),
			ExternalRoomID: in.ExternalRoomID,
			ThreadID:       in.ExternalThreadID,
		})
	}

	// 9. Fan-out through the room actor.
	if p.rooms != nil {
		if err := p.rooms.Deliver(ctx, msg); err != nil {
			p.logger.Warn("room fan-out failed", "room_id", msg.RoomID, "error", err)
		}
	}

	p.emit(observability.Event{
		Name:          observability.EventMessageReceived,
		RoomID:        msg.RoomID,
		CorrelationID: msg.ID,
		Data: map[string]any{
			"channel":   string(br.ChannelType()),
			"bridge_id": br.ID(),
		},
	})
	return &Result{Message: msg, Context: ictx}, nil
}

// verify runs the adapter's sender verification inside a bounded task and
// applies the strict/permissive × allow/deny matrix to failures.
func (p *Pipeline) verify(ctx context.Context, br *bridge.Bridge, in *models.Incoming, ictx *Context) error {
	_, err := runBounded(ctx, p.opts.VerifyTimeout, func(hctx context.Context) (struct{}, error) {
		return struct{}{}, br.VerifySender(hctx, in)
	})
	if err == nil {
		ictx.Verified = true
		p.emitSecurity(in, "allow", "")
		return nil
	}

	// Explicit denials always deny regardless of mode.
	if errors.Is(err, bridge.ErrPolicyDenied) {
		p.emitSecurity(in, "deny", "sender_denied")
		return &PolicyDeniedError{Stage: "security", Reason: "sender_denied", Description: err.Error()}
	}

	// Transient verification failure: strict mode consults the failure
	// policy; permissive mode proceeds flagged.
	if p.opts.Strict && p.opts.VerifyFailurePolicy == VerifyDeny {
		p.emitSecurity(in, "deny", "verify_failed")
		return &PolicyDeniedError{Stage: "security", Reason: "verify_failed", Description: err.Error()}
	}
	ictx.VerifyFallback = true
	ictx.Flags = append(ictx.Flags, "verify_fallback")
	p.emitSecurity(in, "allow_with_fallback", "verify_failed")
	return nil
}

func (p *Pipeline) buildMessage(rm *models.Room, participant *models.Participant, in *models.Incoming, ictx *Context) (*models.Message, error) {
	var blocks []models.ContentBlock
	if in.Text != "" {
		blocks = append(blocks, models.TextBlock(in.Text))
	}
	if len(in.Media) > 0 {
		mediaBlocks, violations, err := p.opts.Media.Normalize(in.Media)
		if err != nil {
			var mpe *MediaPolicyError
			if errors.As(err, &mpe) {
				p.emitPolicyDecision(rm.ID, "media", string(mpe.Violation.Reason), "deny")
				return nil, &PolicyDeniedError{
					Stage:  "media",
					Reason: string(mpe.Violation.Reason),
				}
			}
			return nil, err
		}
		blocks = append(blocks, mediaBlocks...)
		ictx.MediaDropped = violations
	}

	created := in.Timestamp
	if created.IsZero() {
		created = time.Now()
	}
	return &models.Message{
		ID:         uuid.NewString(),
		RoomID:     rm.ID,
		SenderID:   participant.ID,
		Role:       models.RoleUser,
		Content:    blocks,
		ExternalID: in.ExternalMessageID,
		Status:     models.StatusSent,
		CreatedAt:  created,
		UpdatedAt:  created,
	}, nil
}

// applyPolicies runs gaters then moderators, each inside its own bounded
// task with timeout/crash fallbacks.
func (p *Pipeline) applyPolicies(ctx context.Context, msg *models.Message, ictx *Context) (*models.Message, error) {
	for _, g := range p.opts.Gaters {
		decision, err := runBounded(ctx, p.opts.PolicyTimeout, func(hctx context.Context) (GateDecision, error) {
			return g.Gate(hctx, msg)
		})
		if err != nil {
			var denied error
			decision, denied = p.fallbackGate(msg.RoomID, g.Name(), err, ictx)
			if denied != nil {
				return nil, denied
			}
		}
		if !decision.Allow {
			p.emitPolicyDecision(msg.RoomID, g.Name(), decision.Reason, "deny")
			return nil, &PolicyDeniedError{
				Stage:       "gating",
				Reason:      decision.Reason,
				Description: decision.Description,
			}
		}
	}

	for _, m := range p.opts.Moderators {
		verdict, err := runBounded(ctx, p.opts.PolicyTimeout, func(hctx context.Context) (Moderation, error) {
			return m.Moderate(hctx, msg)
		})
		if err != nil {
			var denied error
			verdict, denied = p.fallbackModeration(msg.RoomID, m.Name(), err, ictx)
			if denied != nil {
				return nil, denied
			}
		}
		switch verdict.Action {
		case ModerationReject:
			p.emitPolicyDecision(msg.RoomID, m.Name(), verdict.Reason, "reject")
			return nil, &PolicyDeniedError{
				Stage:       "moderation",
				Reason:      verdict.Reason,
				Description: verdict.Description,
			}
		case ModerationFlag:
			ictx.Flags = append(ictx.Flags, verdict.Reason)
			p.emitPolicyDecision(msg.RoomID, m.Name(), verdict.Reason, "flag")
		case ModerationModify:
			if verdict.Message != nil {
				msg = verdict.Message
			}
			p.emitPolicyDecision(msg.RoomID, m.Name(), verdict.Reason, "modify")
		}
	}
	return msg, nil
}

func (p *Pipeline) fallbackGate(roomID, hook string, err error, ictx *Context) (GateDecision, error) {
	fb := p.fallbackFor(err)
	outcome := "deny"
	if fb == FallbackAllowWithFlag {
		outcome = "allow_with_flag"
	}
	p.emitPolicyDecision(roomID, hook, failureReason(err), outcome)
	if fb == FallbackAllowWithFlag {
		ictx.Flags = append(ictx.Flags, hook+":"+failureReason(err))
		return Allow(), nil
	}
	return GateDecision{}, &PolicyDeniedError{Stage: "gating", Reason: failureReason(err), Description: hook}
}

func (p *Pipeline) fallbackModeration(roomID, hook string, err error, ictx *Context) (Moderation, error) {
	fb := p.fallbackFor(err)
	outcome := "deny"
	if fb == FallbackAllowWithFlag {
		outcome = "allow_with_flag"
	}
	p.emitPolicyDecision(roomID, hook, failureReason(err), outcome)
	if fb == FallbackAllowWithFlag {
		ictx.Flags = append(ictx.Flags, hook+":"+failureReason(err))
		return Moderation{Action: ModerationAllow}, nil
	}
	return Moderation{}, &PolicyDeniedError{Stage: "moderation", Reason: failureReason(err), Description: hook}
}

func (p *Pipeline) fallbackFor(err error) PolicyFallback {
	if errors.Is(err, errHookTimeout) {
		return p.opts.PolicyTimeoutFallback
	}
	return p.opts.PolicyErrorFallback
}

func failureReason(err error) string {
	if errors.Is(err, errHookTimeout) {
		return "policy_timeout"
	}
	return "policy_error"
}

func (p *Pipeline) emitSecurity(in *models.Incoming, outcome, reason string) {
	p.emit(observability.Event{
		Name: observability.EventSecurityDecision,
		Data: map[string]any{
			"external_room_id": in.ExternalRoomID,
			"external_user_id": in.ExternalUserID,
			"outcome":          outcome,
			"reason":           reason,
		},
	})
}

func (p *Pipeline) emitPolicyDecision(roomID, hook, reason, outcome string) {
	p.emit(observability.Event{
		Name:   observability.EventIngestPolicyDecision,
		RoomID: roomID,
		Data: map[string]any{
			"hook":    hook,
			"reason":  reason,
			"outcome": outcome,
		},
	})
}

func (p *Pipeline) emit(ev observability.Event) {
	if p.emitter != nil {
		p.emitter.Emit(ev)
	}
}
