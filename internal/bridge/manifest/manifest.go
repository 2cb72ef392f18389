// Package manifest implements the manifest-driven bridge registry: a
// process-wide, id-addressed catalog of adapter bridges loaded from JSON
// manifests at startup.
package manifest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentjido/jido-messaging/internal/bridge"
	"github.com/agentjido/jido-messaging/internal/observability"
)

// SupportedVersion is the only manifest schema version this runtime loads.
const SupportedVersion = 1

// Manifest is the JSON shape of one bridge declaration.
type Manifest struct {
	ManifestVersion int               `json:"manifest_version"`
	ID              string            `json:"id"`
	AdapterModule   string            `json:"adapter_module"`
	Label           string            `json:"label,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	Adapters        map[string]string `json:"adapters,omitempty"` // kind -> module, resolved lazily
}

// Source is one manifest document plus its load policy.
type Source struct {
	Name     string // where the manifest came from, for diagnostics
	Data     []byte
	Required bool
}

// CollisionPolicy resolves two manifests claiming the same bridge id.
type CollisionPolicy string

const (
	PreferFirst CollisionPolicy = "prefer_first"
	PreferLast  CollisionPolicy = "prefer_last"
)

// DiagnosticKind classifies a non-fatal load event.
type DiagnosticKind string

const (
	DiagnosticOptionalFailed DiagnosticKind = "optional_bridge_failed"
	DiagnosticCollision      DiagnosticKind = "id_collision"
)

// Diagnostic records a degraded-but-continuing load outcome.
type Diagnostic struct {
	Kind     DiagnosticKind
	BridgeID string
	Source   string
	Reason   string
}

// AdapterFactory builds an adapter from manifest options. The factory's
// return type enforces the required adapter operations at compile time, so
// late-bound module names always resolve to conforming adapters.
type AdapterFactory func(opts map[string]any) (bridge.Adapter, error)

// Registry is the keyed bridge catalog. Lookups are O(1) and read-mostly;
// loading serializes writes.
type Registry struct {
	collision CollisionPolicy
	emitter   *observability.Emitter
	logger    *slog.Logger

	mu          sync.RWMutex
	factories   map[string]AdapterFactory
	bridges     map[string]*bridge.Bridge
	origin      map[string]string // bridge id -> source name
	diagnostics []Diagnostic
}

// Option customizes a Registry.
type Option func(*Registry)

// WithCollisionPolicy sets the duplicate-id policy (default PreferFirst).
func WithCollisionPolicy(p CollisionPolicy) Option {
	return func(r *Registry) { r.collision = p }
}

// WithEmitter attaches a telemetry emitter.
func WithEmitter(e *observability.Emitter) Option {
	return func(r *Registry) { r.emitter = e }
}

// WithLogger attaches a logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		collision: PreferFirst,
		factories: make(map[string]AdapterFactory),
		bridges:   make(map[string]*bridge.Bridge),
		origin:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// RegisterFactory binds an adapter module name to its factory. Manifests
// referencing unregistered module names fail to load.
func (r *Registry) RegisterFactory(module string, factory AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[module] = factory
}

// Load parses and installs the given manifest sources in order. A required
// source that fails aborts the load with an error; optional failures are
// recorded as diagnostics and loading continues.
func (r *Registry) Load(sources []Source) error {
	for _, src := range sources {
		if err := r.loadOne(src); err != nil {
			if src.Required {
				return fmt.Errorf("required bridge manifest %s: %w", src.Name, err)
			}
			r.addDiagnostic(Diagnostic{
				Kind:   DiagnosticOptionalFailed,
				Source: src.Name,
				Reason: err.Error(),
			})
			r.logger.Warn("optional bridge manifest failed",
				"source", src.Name, "error", err)
		}
	}
	r.emit(observability.EventBridgeRegistryBootstrap, map[string]any{
		"bridges":     len(r.bridges),
		"diagnostics": len(r.diagnostics),
	})
	return nil
}

func (r *Registry) loadOne(src Source) error {
	var m Manifest
	if err := json.Unmarshal(src.Data, &m); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if m.ManifestVersion != SupportedVersion {
		return fmt.Errorf("unsupported manifest_version %d", m.ManifestVersion)
	}
	if m.ID == "" {
		return fmt.Errorf("missing id")
	}
	if m.AdapterModule == "" {
		return fmt.Errorf("missing adapter_module")
	}

	r.mu.Lock()
	factory, ok := r.factories[m.AdapterModule]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown adapter module %q", m.AdapterModule)
	}

	opts := map[string]any{"label": m.Label}
	if len(m.Adapters) > 0 {
		opts["adapters"] = m.Adapters
	}
	adapter, err := factory(opts)
	if err != nil {
		return fmt.Errorf("adapter module %q: %w", m.AdapterModule, err)
	}

	b := bridge.New(m.ID, adapter)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.origin[m.ID]; ok {
		loser := src.Name
		if r.collision == PreferLast {
			loser = existing
			r.bridges[m.ID] = b
			r.origin[m.ID] = src.Name
		}
		r.diagnostics = append(r.diagnostics, Diagnostic{
			Kind:     DiagnosticCollision,
			BridgeID: m.ID,
			Source:   loser,
			Reason:   fmt.Sprintf("bridge id %q declared by %s and %s", m.ID, existing, src.Name),
		})
		r.logger.Warn("bridge id collision", "id", m.ID, "kept_policy", string(r.collision))
	} else {
		r.bridges[m.ID] = b
		r.origin[m.ID] = src.Name
	}

	r.emitLocked(observability.EventBridgeRegistryManifestLoad, map[string]any{
		"id":     m.ID,
		"source": src.Name,
	})
	return nil
}

// Get returns the bridge for the id, or nil if absent.
func (r *Registry) Get(id string) *bridge.Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bridges[id]
}

// MustGet returns the bridge for the id or an error.
func (r *Registry) MustGet(id string) (*bridge.Bridge, error) {
	if b := r.Get(id); b != nil {
		return b, nil
	}
	return nil, fmt.Errorf("bridge %q not registered", id)
}

// All returns every registered bridge.
func (r *Registry) All() []*bridge.Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*bridge.Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b)
	}
	return out
}

// Diagnostics returns the non-fatal load events recorded so far.
func (r *Registry) Diagnostics() []Diagnostic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Diagnostic(nil), r.diagnostics...)
}

func (r *Registry) addDiagnostic(d Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagnostics = append(r.diagnostics, d)
}

func (r *Registry) emit(name observability.EventName, data map[string]any) {
	if r.emitter != nil {
		r.emitter.Emit(observability.Event{Name: name, Data: data})
	}
}

// emitLocked is emit for callers already holding r.mu; the emitter has its
// own synchronization so no unlock is needed.
func (r *Registry) emitLocked(name observability.EventName, data map[string]any) {
	if r.emitter != nil {
		r.emitter.Emit(observability.Event{Name: name, Data: data})
	}
}
