package ingest

import (
	"fmt"
	"strings"

	"github.com/agentjido/jido-messaging/pkg/models"
)

// MediaViolationReason is the closed taxonomy of media-policy rejections.
type MediaViolationReason string

const (
	MediaUnsupportedKind       MediaViolationReason = "unsupported_kind"
	MediaMissingPayload        MediaViolationReason = "missing_payload"
	MediaInvalidMediaType      MediaViolationReason = "invalid_media_type"
	MediaMaxItemBytesExceeded  MediaViolationReason = "max_item_bytes_exceeded"
	MediaMaxTotalBytesExceeded MediaViolationReason = "max_total_bytes_exceeded"
	MediaMaxItemsExceeded      MediaViolationReason = "max_items_exceeded"
	MediaInvalidPayload        MediaViolationReason = "invalid_media_payload"
)

// MediaViolationMode decides what a violation does to the ingest.
type MediaViolationMode string

const (
	// MediaReject fails the ingest on the first violation.
	MediaReject MediaViolationMode = "reject"
	// MediaDrop silently drops violating items and keeps the rest.
	MediaDrop MediaViolationMode = "drop"
)

// MediaViolation records one rejected media item.
type MediaViolation struct {
	Index  int
	Reason MediaViolationReason
	Detail string
}

// MediaPolicyError fails an ingest under MediaReject.
type MediaPolicyError struct {
	Violation MediaViolation
}

func (e *MediaPolicyError) Error() string {
	return fmt.Sprintf("media policy: item %d rejected (%s)", e.Violation.Index, e.Violation.Reason)
}

// MediaPolicy normalizes raw incoming media into canonical content blocks
// while enforcing count, size, and kind limits.
type MediaPolicy struct {
	MaxItems      int
	MaxItemBytes  int64
	MaxTotalBytes int64
	AllowedKinds  map[models.BlockType]bool
	OnViolation   MediaViolationMode
}

// DefaultMediaPolicy returns the stock limits: 4 items, 10 MB per item,
// 20 MB total, all media kinds allowed, reject on violation.
func DefaultMediaPolicy() MediaPolicy {
	return MediaPolicy{
		MaxItems:      4,
		MaxItemBytes:  10 << 20,
		MaxTotalBytes: 20 << 20,
		AllowedKinds: map[models.BlockType]bool{
			models.BlockImage: true,
			models.BlockAudio: true,
			models.BlockVideo: true,
			models.BlockFile:  true,
		},
		OnViolation: MediaReject,
	}
}

func (p MediaPolicy) sanitized() MediaPolicy {
	def := DefaultMediaPolicy()
	if p.MaxItems <= 0 {
		p.MaxItems = def.MaxItems
	}
	if p.MaxItemBytes <= 0 {
		p.MaxItemBytes = def.MaxItemBytes
	}
	if p.MaxTotalBytes <= 0 {
		p.MaxTotalBytes = def.MaxTotalBytes
	}
	if len(p.AllowedKinds) == 0 {
		p.AllowedKinds = def.AllowedKinds
	}
	if p.OnViolation != MediaReject && p.OnViolation != MediaDrop {
		p.OnViolation = def.OnViolation
	}
	return p
}

// kindPrefixes pins the MIME prefix each typed media kind must carry.
var kindPrefixes = map[models.BlockType]string{
	models.BlockImage: "image/",
	models.BlockAudio: "audio/",
	models.BlockVideo: "video/",
}

// Normalize converts raw media into content blocks. Under MediaReject the
// first violation returns a *MediaPolicyError; under MediaDrop violations
// accumulate and the surviving items are returned.
func (p MediaPolicy) Normalize(items []models.IncomingMedia) ([]models.ContentBlock, []MediaViolation, error) {
	p = p.sanitized()

	var blocks []models.ContentBlock
	var violations []MediaViolation
	var total int64

	fail := func(v MediaViolation) error {
		violations = append(violations, v)
		if p.OnViolation == MediaReject {
			return &MediaPolicyError{Violation: v}
		}
		return nil
	}

	for i, item := range items {
		if len(blocks) >= p.MaxItems {
			if err := fail(MediaViolation{Index: i, Reason: MediaMaxItemsExceeded,
				Detail: fmt.Sprintf("limit %d", p.MaxItems)}); err != nil {
				return nil, violations, err
			}
			continue
		}
		if v, ok := p.checkItem(i, item); !ok {
			if err := fail(v); err != nil {
				return nil, violations, err
			}
			continue
		}

		size := itemSize(item)
		if total+size > p.MaxTotalBytes {
			if err := fail(MediaViolation{Index: i, Reason: MediaMaxTotalBytesExceeded,
				Detail: fmt.Sprintf("limit %d bytes", p.MaxTotalBytes)}); err != nil {
				return nil, violations, err
			}
			continue
		}
		total += size

		blocks = append(blocks, models.ContentBlock{
			Type: item.Kind,
			Media: &models.MediaContent{
				URL:       item.URL,
				Data:      item.Data,
				MediaType: item.MediaType,
				Filename:  item.Filename,
				SizeBytes: size,
				Caption:   item.Caption,
			},
		})
	}
	return blocks, violations, nil
}

func (p MediaPolicy) checkItem(i int, item models.IncomingMedia) (MediaViolation, bool) {
	if !p.AllowedKinds[item.Kind] {
		return MediaViolation{Index: i, Reason: MediaUnsupportedKind, Detail: string(item.Kind)}, false
	}
	if item.URL == "" && len(item.Data) == 0 {
		return MediaViolation{Index: i, Reason: MediaMissingPayload}, false
	}
	if item.SizeBytes < 0 {
		return MediaViolation{Index: i, Reason: MediaInvalidPayload, Detail: "negative size"}, false
	}
	if prefix, typed := kindPrefixes[item.Kind]; typed {
		if item.MediaType == "" || !strings.HasPrefix(item.MediaType, prefix) {
			return MediaViolation{Index: i, Reason: MediaInvalidMediaType,
				Detail: fmt.Sprintf("%q does not match %s", item.MediaType, prefix)}, false
		}
	}
	if itemSize(item) > p.MaxItemBytes {
		return MediaViolation{Index: i, Reason: MediaMaxItemBytesExceeded,
			Detail: fmt.Sprintf("limit %d bytes", p.MaxItemBytes)}, false
	}
	return MediaViolation{}, true
}

// itemSize prefers the declared size, falling back to the inline payload
// length.
func itemSize(item models.IncomingMedia) int64 {
	if item.SizeBytes > 0 {
		return item.SizeBytes
	}
	return int64(len(item.Data))
}
