package ingest

import (
	"errors"
	"testing"

	"github.com/agentjido/jido-messaging/pkg/models"
)

func image(size int64) models.IncomingMedia {
	return models.IncomingMedia{
		Kind:      models.BlockImage,
		URL:       "https://cdn.example/x.png",
		MediaType: "image/png",
		SizeBytes: size,
	}
}

func TestMediaNormalizeHappyPath(t *testing.T) {
	p := DefaultMediaPolicy()
	blocks, violations, err := p.Normalize([]models.IncomingMedia{
		image(1024),
		{Kind: models.BlockAudio, Data: []byte("opus bytes"), MediaType: "audio/ogg"},
		{Kind: models.BlockFile, URL: "https://cdn.example/report.pdf", MediaType: "application/pdf"},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("violations = %v", violations)
	}
	if len(blocks) != 3 || blocks[0].Type != models.BlockImage || blocks[0].Media == nil {
		t.Errorf("blocks = %+v", blocks)
	}
	if blocks[1].Media.SizeBytes != int64(len("opus bytes")) {
		t.Errorf("inline payload size = %d", blocks[1].Media.SizeBytes)
	}
}

func TestMediaViolationReasons(t *testing.T) {
	tests := []struct {
		name string
		item models.IncomingMedia
		want MediaViolationReason
	}{
		{"unsupported kind", models.IncomingMedia{Kind: models.BlockToolUse, URL: "x"}, MediaUnsupportedKind},
		{"missing payload", models.IncomingMedia{Kind: models.BlockImage, MediaType: "image/png"}, MediaMissingPayload},
		{"media type mismatch", models.IncomingMedia{Kind: models.BlockImage, URL: "x", MediaType: "video/mp4"}, MediaInvalidMediaType},
		{"media type absent for typed kind", models.IncomingMedia{Kind: models.BlockVideo, URL: "x"}, MediaInvalidMediaType},
		{"item too large", image(11 << 20), MediaMaxItemBytesExceeded},
		{"negative size", models.IncomingMedia{Kind: models.BlockImage, URL: "x", MediaType: "image/png", SizeBytes: -1}, MediaInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultMediaPolicy()
			_, _, err := p.Normalize([]models.IncomingMedia{tt.item})
			var mpe *MediaPolicyError
			if !errors.As(err, &mpe) {
				t.Fatalf("err = %v, want MediaPolicyError", err)
			}
			if mpe.Violation.Reason != tt.want {
				t.Errorf("reason = %s, want %s", mpe.Violation.Reason, tt.want)
			}
		})
	}
}

func TestMediaCountAndTotalLimits(t *testing.T) {
	p := MediaPolicy{MaxItems: 2, OnViolation: MediaReject}
	_, _, err := p.Normalize([]models.IncomingMedia{image(10), image(10), image(10)})
	var mpe *MediaPolicyError
	if !errors.As(err, &mpe) || mpe.Violation.Reason != MediaMaxItemsExceeded {
		t.Fatalf("err = %v, want max_items_exceeded", err)
	}

	p = MediaPolicy{MaxTotalBytes: 1 << 20, OnViolation: MediaReject}
	_, _, err = p.Normalize([]models.IncomingMedia{image(700 << 10), image(700 << 10)})
	if !errors.As(err, &mpe) || mpe.Violation.Reason != MediaMaxTotalBytesExceeded {
		t.Fatalf("err = %v, want max_total_bytes_exceeded", err)
	}
}

func TestMediaDropModeKeepsSurvivors(t *testing.T) {
	p := DefaultMediaPolicy()
	p.OnViolation = MediaDrop

	blocks, violations, err := p.Normalize([]models.IncomingMedia{
		image(1024),
		{Kind: models.BlockImage, MediaType: "image/png"}, // missing payload
		image(2048),
	})
	if err != nil {
		t.Fatalf("drop mode must not fail ingest: %v", err)
	}
	if len(blocks) != 2 {
		t.Errorf("blocks = %d, want 2 survivors", len(blocks))
	}
	if len(violations) != 1 || violations[0].Reason != MediaMissingPayload || violations[0].Index != 1 {
		t.Errorf("violations = %+v", violations)
	}
}

func TestMediaRejectModeViaPipelineOptions(t *testing.T) {
	p := MediaPolicy{}.sanitized()
	if p.MaxItems != 4 || p.MaxItemBytes != 10<<20 || p.MaxTotalBytes != 20<<20 || p.OnViolation != MediaReject {
		t.Errorf("sanitized defaults = %+v", p)
	}
}
