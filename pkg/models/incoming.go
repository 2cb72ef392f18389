package models

import "time"

// ChatScope classifies the platform-side conversation kind of an incoming
// message.
type ChatScope string

const (
	ChatPrivate    ChatScope = "private"
	ChatGroup      ChatScope = "group"
	ChatSupergroup ChatScope = "supergroup"
	ChatChannel    ChatScope = "channel"
)

// IncomingMedia is a raw media item attached to an incoming message, before
// media-policy normalization.
type IncomingMedia struct {
	Kind      BlockType `json:"kind"`
	URL       string    `json:"url,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Caption   string    `json:"caption,omitempty"`
}

// Incoming is the normalized shape every adapter produces from a raw
// platform event. Raw retains the platform payload for diagnostics.
type Incoming struct {
	ExternalRoomID    string          `json:"external_room_id"`
	ExternalUserID    string          `json:"external_user_id"`
	Text              string          `json:"text,omitempty"`
	ExternalMessageID string          `json:"external_message_id,omitempty"`
	ExternalReplyToID string          `json:"external_reply_to_id,omitempty"`
	ExternalThreadID  string          `json:"external_thread_id,omitempty"`
	Timestamp         time.Time       `json:"timestamp,omitempty"`
	ChatType          ChatScope       `json:"chat_type,omitempty"`
	ChatTitle         string          `json:"chat_title,omitempty"`
	Username          string          `json:"username,omitempty"`
	DisplayName       string          `json:"display_name,omitempty"`
	WasMentioned      bool            `json:"was_mentioned,omitempty"`
	Mentions          []string        `json:"mentions,omitempty"`
	Media             []IncomingMedia `json:"media,omitempty"`
	ChannelMeta       map[string]any  `json:"channel_meta,omitempty"`
	Raw               any             `json:"-"`
}

// RoomType maps the platform chat scope onto the internal room taxonomy.
func (in *Incoming) RoomType() RoomType {
	switch in.ChatType {
	case ChatPrivate:
		return RoomDirect
	case ChatChannel:
		return RoomChannel
	default:
		return RoomGroup
	}
}
