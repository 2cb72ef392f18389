package models

import (
	"strings"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelMatrix   ChannelType = "matrix"
	ChannelWhatsApp ChannelType = "whatsapp"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageStatus tracks delivery progress of a message.
// Statuses are ordered: sending < sent < delivered < read. Failed is
// terminal. Once a message reaches sent or failed, lower-ranked statuses
// do not reappear.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders statuses for monotonic advancement.
var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    4,
}

// Rank returns the ordering rank of the status. Unknown statuses rank lowest.
func (s MessageStatus) Rank() int {
	return statusRank[s]
}

// Advance returns the higher-ranked of the two statuses. Statuses never
// regress through Advance.
func (s MessageStatus) Advance(to MessageStatus) MessageStatus {
	if to.Rank() > s.Rank() {
		return to
	}
	return s
}

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockAudio      BlockType = "audio"
	BlockVideo      BlockType = "video"
	BlockFile       BlockType = "file"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message's ordered content list.
// Exactly one of the payload fields is populated, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text is set for BlockText.
	Text string `json:"text,omitempty"`

	// Media is set for image, audio, video, and file blocks.
	Media *MediaContent `json:"media,omitempty"`

	// ToolUse is set for BlockToolUse.
	ToolUse *ToolUseContent `json:"tool_use,omitempty"`

	// ToolResult is set for BlockToolResult.
	ToolResult *ToolResultContent `json:"tool_result,omitempty"`
}

// MediaContent describes a media payload carried by a content block.
type MediaContent struct {
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"` // MIME type, e.g. image/png
	Filename  string `json:"filename,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// ToolUseContent is a request to invoke a tool.
type ToolUseContent struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResultContent carries the output of a tool invocation.
type ToolResultContent struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// Receipt records per-participant delivery acknowledgement for a message.
// ReadAt implies DeliveredAt; both only advance.
type Receipt struct {
	DeliveredAt time.Time `json:"delivered_at,omitempty"`
	ReadAt      time.Time `json:"read_at,omitempty"`
}

// Message is the unified message format across all channels.
type Message struct {
	ID           string                     `json:"id"`
	RoomID       string                     `json:"room_id"`
	SenderID     string                     `json:"sender_id"`
	Role         Role                       `json:"role"`
	Content      []ContentBlock             `json:"content"`
	ReplyToID    string                     `json:"reply_to_id,omitempty"`
	ThreadRootID string                     `json:"thread_root_id,omitempty"`
	ExternalID   string                     `json:"external_id,omitempty"` // platform message ID
	Status       MessageStatus              `json:"status"`
	Reactions    map[string]map[string]bool `json:"reactions,omitempty"` // reaction -> participant set
	Receipts     map[string]*Receipt        `json:"receipts,omitempty"`  // participant -> receipt
	Metadata     map[string]any             `json:"metadata,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// TextContent concatenates all text blocks of the message, joined by
// newlines. Media and tool blocks are skipped.
func (m *Message) TextContent() string {
	var parts []string
	for _, b := range m.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Clone returns a deep copy of the message. Mutable maps and slices are
// copied so actors can hand out snapshots safely.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Content = append([]ContentBlock(nil), m.Content...)
	if m.Reactions != nil {
		cp.Reactions = make(map[string]map[string]bool, len(m.Reactions))
		for r, set := range m.Reactions {
			inner := make(map[string]bool, len(set))
			for p := range set {
				inner[p] = true
			}
			cp.Reactions[r] = inner
		}
	}
	if m.Receipts != nil {
		cp.Receipts = make(map[string]*Receipt, len(m.Receipts))
		for p, rec := range m.Receipts {
			r := *rec
			cp.Receipts[p] = &r
		}
	}
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
