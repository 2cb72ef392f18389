// Package bridge defines the adapter contract and the normalized boundary
// the runtime uses to talk to platform adapters. Optional adapter callbacks
// get deterministic defaults here so callers never feature-detect.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentjido/jido-messaging/pkg/models"
)

// SendOptions carries per-call options for outbound operations.
type SendOptions struct {
	// ReplyToExternalID threads the outbound message under a platform
	// message where the platform supports it.
	ReplyToExternalID string
	// ThreadID targets a platform-side thread.
	ThreadID string
	// Metadata is passed through to the adapter opaquely.
	Metadata map[string]any
}

// SendResult is the adapter's acknowledgement of an outbound operation.
type SendResult struct {
	// MessageID is the platform-assigned message id.
	MessageID string
	// Meta carries adapter-specific response details.
	Meta map[string]any
}

// Adapter is the required contract every platform adapter implements.
type Adapter interface {
	// ChannelType returns the adapter's canonical platform tag.
	ChannelType() models.ChannelType

	// TransformIncoming normalizes a raw platform event into the unified
	// incoming shape.
	TransformIncoming(ctx context.Context, raw any) (*models.Incoming, error)

	// SendMessage delivers text to an external room.
	SendMessage(ctx context.Context, externalRoomID, text string, opts SendOptions) (*SendResult, error)
}

// Editor is implemented by adapters that can edit previously sent messages.
type Editor interface {
	EditMessage(ctx context.Context, externalRoomID, externalMessageID, text string, opts SendOptions) (*SendResult, error)
}

// MediaSender is implemented by adapters that can send media payloads.
type MediaSender interface {
	SendMedia(ctx context.Context, externalRoomID string, media []models.MediaContent, opts SendOptions) (*SendResult, error)
}

// MediaEditor is implemented by adapters that can replace media on a sent
// message.
type MediaEditor interface {
	EditMedia(ctx context.Context, externalRoomID, externalMessageID string, media []models.MediaContent, opts SendOptions) (*SendResult, error)
}

// SenderVerifier authenticates the platform-side sender of an incoming
// message. A nil return means verified; denial is expressed by wrapping
// ErrPolicyDenied.
type SenderVerifier interface {
	VerifySender(ctx context.Context, in *models.Incoming) error
}

// OutboundSanitizer rewrites outbound text before it reaches the platform.
type OutboundSanitizer interface {
	SanitizeOutbound(ctx context.Context, text string) (string, error)
}

// RoutingMetadataExtractor surfaces adapter-specific routing hints from an
// incoming message.
type RoutingMetadataExtractor interface {
	ExtractRoutingMetadata(in *models.Incoming) (map[string]any, error)
}

// CommandHintExtractor surfaces a platform command hint ("/start" etc.)
// from an incoming message.
type CommandHintExtractor interface {
	ExtractCommandHint(in *models.Incoming) (hint string, ok bool)
}

// ListenerSpec is a runnable descriptor for an adapter-owned listener; the
// instance supervisor materializes and owns its lifecycle.
type ListenerSpec struct {
	Name string
	Run  func(ctx context.Context) error
}

// ListenerProvider is implemented by adapters that need long-lived listener
// goroutines (polling loops, websocket pumps).
type ListenerProvider interface {
	ListenerSpecs(instanceID string, opts map[string]any) ([]ListenerSpec, error)
}

// HealthChecker is implemented by adapters that support liveness probes.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// ProbeIntervalProvider lets an adapter override the default probe cadence.
type ProbeIntervalProvider interface {
	ProbeInterval() time.Duration
}

// Capabilities is implemented by adapters that declare capabilities beyond
// what interface discovery finds.
type Capabilities interface {
	Capabilities() []Capability
}

// DefaultProbeInterval is the probe cadence for adapters that do not
// override it.
const DefaultProbeInterval = 30 * time.Second

// Bridge wraps one configured adapter behind a total interface: every
// optional callback has a deterministic default, panics become classified
// callback failures, and the capability set is snapshotted at wrap time.
type Bridge struct {
	id      string
	adapter Adapter
	caps    CapabilitySet
}

// New wraps an adapter as a bridge with the given id.
func New(id string, adapter Adapter) *Bridge {
	var declared []Capability
	if c, ok := adapter.(Capabilities); ok {
		declared = c.Capabilities()
	}
	return &Bridge{
		id:      id,
		adapter: adapter,
		caps:    NormalizeCapabilities(declared, adapter),
	}
}

// ID returns the bridge id.
func (b *Bridge) ID() string { return b.id }

// ChannelType returns the adapter's platform tag.
func (b *Bridge) ChannelType() models.ChannelType { return b.adapter.ChannelType() }

// Capabilities returns the normalized capability set.
func (b *Bridge) Capabilities() CapabilitySet { return b.caps }

// Adapter exposes the wrapped adapter for contract-level tests.
func (b *Bridge) Adapter() Adapter { return b.adapter }

// panicError marks a recovered callback panic; it classifies recoverable
// per the failure table (task exit / exception).
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// guard converts panics inside adapter callbacks into classified callback
// errors so a misbehaving adapter cannot take down the runtime.
func (b *Bridge) guard(callback string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newCallbackError(string(b.adapter.ChannelType()), callback, &panicError{value: r})
		}
	}()
	if err := fn(); err != nil {
		var cb *CallbackError
		if errors.As(err, &cb) {
			return err
		}
		return newCallbackError(string(b.adapter.ChannelType()), callback, err)
	}
	return nil
}

// TransformIncoming normalizes a raw platform event. A nil Incoming with a
// nil error is a non-conforming return and classifies fatal.
func (b *Bridge) TransformIncoming(ctx context.Context, raw any) (*models.Incoming, error) {
	var in *models.Incoming
	err := b.guard("transform_incoming", func() error {
		var err error
		in, err = b.adapter.TransformIncoming(ctx, raw)
		if err == nil && in == nil {
			return ErrInvalidReturn
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

// SendMessage delivers text through the adapter.
func (b *Bridge) SendMessage(ctx context.Context, externalRoomID, text string, opts SendOptions) (*SendResult, error) {
	var res *SendResult
	err := b.guard("send_message", func() error {
		var err error
		res, err = b.adapter.SendMessage(ctx, externalRoomID, text, opts)
		if err == nil && res == nil {
			return ErrInvalidReturn
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// EditMessage edits a sent message, or reports unsupported.
func (b *Bridge) EditMessage(ctx context.Context, externalRoomID, externalMessageID, text string, opts SendOptions) (*SendResult, error) {
	editor, ok := b.adapter.(Editor)
	if !ok {
		return nil, newCallbackError(string(b.adapter.ChannelType()), "edit_message", ErrUnsupported)
	}
	var res *SendResult
	err := b.guard("edit_message", func() error {
		var err error
		res, err = editor.EditMessage(ctx, externalRoomID, externalMessageID, text, opts)
		if err == nil && res == nil {
			return ErrInvalidReturn
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SendMedia sends media, or reports unsupported.
func (b *Bridge) SendMedia(ctx context.Context, externalRoomID string, media []models.MediaContent, opts SendOptions) (*SendResult, error) {
	sender, ok := b.adapter.(MediaSender)
	if !ok {
		return nil, newCallbackError(string(b.adapter.ChannelType()), "send_media", ErrUnsupported)
	}
	var res *SendResult
	err := b.guard("send_media", func() error {
		var err error
		res, err = sender.SendMedia(ctx, externalRoomID, media, opts)
		if err == nil && res == nil {
			return ErrInvalidReturn
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// EditMedia replaces media on a sent message, or reports unsupported.
func (b *Bridge) EditMedia(ctx context.Context, externalRoomID, externalMessageID string, media []models.MediaContent, opts SendOptions) (*SendResult, error) {
	editor, ok := b.adapter.(MediaEditor)
	if !ok {
		return nil, newCallbackError(string(b.adapter.ChannelType()), "edit_media", ErrUnsupported)
	}
	var res *SendResult
	err := b.guard("edit_media", func() error {
		var err error
		res, err = editor.EditMedia(ctx, externalRoomID, externalMessageID, media, opts)
		if err == nil && res == nil {
			return ErrInvalidReturn
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// VerifySender authenticates the platform sender; the default is verified.
func (b *Bridge) VerifySender(ctx context.Context, in *models.Incoming) error {
	verifier, ok := b.adapter.(SenderVerifier)
	if !ok {
		return nil
	}
	return b.guard("verify_sender", func() error {
		return verifier.VerifySender(ctx, in)
	})
}

// SanitizeOutbound rewrites outbound text; the default is identity.
func (b *Bridge) SanitizeOutbound(ctx context.Context, text string) (string, error) {
	sanitizer, ok := b.adapter.(OutboundSanitizer)
	if !ok {
		return text, nil
	}
	out := text
	err := b.guard("sanitize_outbound", func() error {
		var err error
		out, err = sanitizer.SanitizeOutbound(ctx, text)
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// ExtractRoutingMetadata returns adapter routing hints; default empty.
func (b *Bridge) ExtractRoutingMetadata(in *models.Incoming) (map[string]any, error) {
	extractor, ok := b.adapter.(RoutingMetadataExtractor)
	if !ok {
		return map[string]any{}, nil
	}
	meta := map[string]any{}
	err := b.guard("extract_routing_metadata", func() error {
		var err error
		meta, err = extractor.ExtractRoutingMetadata(in)
		return err
	})
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return meta, nil
}

// ExtractCommandHint returns a platform command hint; default none.
func (b *Bridge) ExtractCommandHint(in *models.Incoming) (string, bool) {
	extractor, ok := b.adapter.(CommandHintExtractor)
	if !ok {
		return "", false
	}
	var hint string
	var present bool
	_ = b.guard("extract_command_hint", func() error {
		hint, present = extractor.ExtractCommandHint(in)
		return nil
	})
	return hint, present
}

// ListenerSpecs returns adapter-owned listener descriptors; default none.
func (b *Bridge) ListenerSpecs(instanceID string, opts map[string]any) ([]ListenerSpec, error) {
	provider, ok := b.adapter.(ListenerProvider)
	if !ok {
		return nil, nil
	}
	var specs []ListenerSpec
	err := b.guard("listener_child_specs", func() error {
		var err error
		specs, err = provider.ListenerSpecs(instanceID, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return specs, nil
}

// CheckHealth probes adapter liveness; the default is healthy.
func (b *Bridge) CheckHealth(ctx context.Context) error {
	checker, ok := b.adapter.(HealthChecker)
	if !ok {
		return nil
	}
	return b.guard("check_health", func() error {
		return checker.CheckHealth(ctx)
	})
}

// ProbeInterval returns the adapter's probe cadence or the default.
func (b *Bridge) ProbeInterval() time.Duration {
	if p, ok := b.adapter.(ProbeIntervalProvider); ok {
		if d := p.ProbeInterval(); d > 0 {
			return d
		}
	}
	return DefaultProbeInterval
}
