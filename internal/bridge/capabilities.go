package bridge

// Capability is a member of the closed adapter-feature vocabulary. Bridges
// expose a normalized capability set so callers can feature-gate behavior
// without probing the adapter.
type Capability string

const (
	CapText                 Capability = "text"
	CapImage                Capability = "image"
	CapAudio                Capability = "audio"
	CapVideo                Capability = "video"
	CapFile                 Capability = "file"
	CapToolUse              Capability = "tool_use"
	CapStreaming            Capability = "streaming"
	CapReactions            Capability = "reactions"
	CapThreads              Capability = "threads"
	CapTyping               Capability = "typing"
	CapPresence             Capability = "presence"
	CapReadReceipts         Capability = "read_receipts"
	CapListenerLifecycle    Capability = "listener_lifecycle"
	CapRoutingMetadata      Capability = "routing_metadata"
	CapSenderVerification   Capability = "sender_verification"
	CapOutboundSanitization Capability = "outbound_sanitization"
	CapMediaSend            Capability = "media_send"
	CapMediaEdit            Capability = "media_edit"
	CapCommandHints         Capability = "command_hints"
	CapMessageEdit          Capability = "message_edit"
)

// knownCapabilities is the closed vocabulary; unknown strings are dropped
// during normalization.
var knownCapabilities = map[Capability]bool{
	CapText: true, CapImage: true, CapAudio: true, CapVideo: true,
	CapFile: true, CapToolUse: true, CapStreaming: true, CapReactions: true,
	CapThreads: true, CapTyping: true, CapPresence: true,
	CapReadReceipts: true, CapListenerLifecycle: true,
	CapRoutingMetadata: true, CapSenderVerification: true,
	CapOutboundSanitization: true, CapMediaSend: true, CapMediaEdit: true,
	CapCommandHints: true, CapMessageEdit: true,
}

// CapabilitySet is a normalized set of capabilities. Text is always present.
type CapabilitySet map[Capability]bool

// NormalizeCapabilities builds a capability set from declared strings plus
// the interfaces the adapter actually implements. Unknown capabilities are
// dropped; text is always included.
func NormalizeCapabilities(declared []Capability, adapter Adapter) CapabilitySet {
	set := make(CapabilitySet, len(declared)+8)
	set[CapText] = true
	for _, c := range declared {
		if knownCapabilities[c] {
			set[c] = true
		}
	}

	// Interface discovery wins over declarations: an adapter that
	// implements an optional callback has the capability whether or not
	// it said so.
	if _, ok := adapter.(Editor); ok {
		set[CapMessageEdit] = true
	}
	if _, ok := adapter.(MediaSender); ok {
		set[CapMediaSend] = true
	}
	if _, ok := adapter.(MediaEditor); ok {
		set[CapMediaEdit] = true
	}
	if _, ok := adapter.(SenderVerifier); ok {
		set[CapSenderVerification] = true
	}
	if _, ok := adapter.(OutboundSanitizer); ok {
		set[CapOutboundSanitization] = true
	}
	if _, ok := adapter.(RoutingMetadataExtractor); ok {
		set[CapRoutingMetadata] = true
	}
	if _, ok := adapter.(CommandHintExtractor); ok {
		set[CapCommandHints] = true
	}
	if _, ok := adapter.(ListenerProvider); ok {
		set[CapListenerLifecycle] = true
	}
	return set
}

// Has reports whether the capability is present.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// List returns the capabilities in an unspecified order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}
