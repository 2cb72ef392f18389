package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentjido/jido-messaging/internal/gateway"
	"github.com/agentjido/jido-messaging/pkg/models"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	fail  bool
	slow  time.Duration
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req gateway.Request) (*gateway.SuccessResponse, error) {
	d.mu.Lock()
	d.calls++
	fail := d.fail
	slow := d.slow
	d.mu.Unlock()
	if slow > 0 {
		select {
		case <-time.After(slow):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, &gateway.DeliveryError{Response: gateway.ErrorResponse{Reason: "send_failed"}}
	}
	return &gateway.SuccessResponse{ExternalMessageID: "ext-1"}, nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func failedJob(msgID string) gateway.FailedJob {
	return gateway.FailedJob{
		Request: gateway.Request{
			Operation: gateway.OpSendMessage,
			Route:     models.Route{BridgeID: "tg-main", ExternalRoomID: "chat-1"},
			Text:      "undelivered",
			MessageID: msgID,
		},
		Response: gateway.ErrorResponse{
			Category:   gateway.CategoryTerminal,
			Reason:     "send_failed",
			RoutingKey: "tg-main:chat-1",
		},
		FailedAt: time.Now(),
	}
}

func newTestStore(t *testing.T, opts Options, d Dispatcher) *Store {
	t.Helper()
	s := NewStore(opts, d, nil, nil)
	t.Cleanup(s.Close)
	return s
}

func TestCaptureAndList(t *testing.T) {
	s := newTestStore(t, Options{}, &fakeDispatcher{})

	for i := 0; i < 3; i++ {
		s.Capture(failedJob(fmt.Sprintf("m%d", i)))
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d", s.Len())
	}

	recs := s.List(0, 0)
	if len(recs) != 3 {
		t.Fatalf("list = %d records", len(recs))
	}
	if recs[0].Job.Request.MessageID != "m2" {
		t.Errorf("list should be newest first, got %s", recs[0].Job.Request.MessageID)
	}
	if recs[0].Status != StatusNever {
		t.Errorf("fresh record status = %s", recs[0].Status)
	}

	page := s.List(1, 1)
	if len(page) != 1 || page[0].Job.Request.MessageID != "m1" {
		t.Errorf("page = %+v", page)
	}
}

func TestRingEvictsOldestFIFO(t *testing.T) {
	s := newTestStore(t, Options{Capacity: 2}, &fakeDispatcher{})

	for i := 0; i < 4; i++ {
		s.Capture(failedJob(fmt.Sprintf("m%d", i)))
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
	recs := s.List(0, 0)
	if recs[0].Job.Request.MessageID != "m3" || recs[1].Job.Request.MessageID != "m2" {
		t.Errorf("survivors = %s, %s", recs[0].Job.Request.MessageID, recs[1].Job.Request.MessageID)
	}
}

func TestReplayStateMachine(t *testing.T) {
	d := &fakeDispatcher{fail: true}
	s := newTestStore(t, Options{}, d)
	s.Capture(failedJob("m1"))
	id := s.List(0, 0)[0].ID
	ctx := context.Background()

	// Failed replay transitions never -> running -> failed.
	if err := s.Replay(ctx, id, ReplayOptions{}); err == nil {
		t.Fatal("replay should fail while dispatcher fails")
	}
	rec, _ := s.Get(id)
	if rec.Status != StatusFailed || rec.ReplayCount != 1 || rec.LastError == "" {
		t.Errorf("record = %+v", rec)
	}

	// Failed records are replayable again; success parks the record.
	d.mu.Lock()
	d.fail = false
	d.mu.Unlock()
	if err := s.Replay(ctx, id, ReplayOptions{}); err != nil {
		t.Fatalf("second replay: %v", err)
	}
	rec, _ = s.Get(id)
	if rec.Status != StatusSucceeded || rec.ReplayCount != 2 {
		t.Errorf("record = %+v", rec)
	}

	// Succeeded records stop consuming budget unless forced.
	if err := s.Replay(ctx, id, ReplayOptions{}); !errors.Is(err, ErrAlreadySucceeded) {
		t.Errorf("err = %v, want ErrAlreadySucceeded", err)
	}
	calls := d.callCount()
	if err := s.Replay(ctx, id, ReplayOptions{Force: true}); err != nil {
		t.Errorf("forced replay: %v", err)
	}
	if d.callCount() != calls+1 {
		t.Errorf("forced replay should dispatch again")
	}
}

func TestReplayUnknownAndArchived(t *testing.T) {
	s := newTestStore(t, Options{}, &fakeDispatcher{})
	ctx := context.Background()

	if err := s.Replay(ctx, "missing", ReplayOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}

	s.Capture(failedJob("m1"))
	id := s.List(0, 0)[0].ID
	if err := s.Archive(id); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := s.Replay(ctx, id, ReplayOptions{}); !errors.Is(err, ErrArchived) {
		t.Errorf("err = %v, archived records must not replay", err)
	}
}

func TestConcurrentReplaysOfOneRecordSerialize(t *testing.T) {
	d := &fakeDispatcher{slow: 50 * time.Millisecond}
	s := newTestStore(t, Options{ReplayPartitions: 4}, d)
	s.Capture(failedJob("m1"))
	id := s.List(0, 0)[0].ID
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Replay(ctx, id, ReplayOptions{})
		}(i)
	}
	wg.Wait()

	// Exactly one replay wins; the rest are rejected by the reservation
	// (in-flight or already-succeeded), never dispatched concurrently.
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrReplayInFlight) && !errors.Is(err, ErrAlreadySucceeded) {
			t.Errorf("unexpected err: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", succeeded)
	}
	if d.callCount() != 1 {
		t.Errorf("dispatches = %d, want 1", d.callCount())
	}
}

func TestPurge(t *testing.T) {
	s := newTestStore(t, Options{}, &fakeDispatcher{})
	for i := 0; i < 3; i++ {
		s.Capture(failedJob(fmt.Sprintf("m%d", i)))
	}
	id := s.List(0, 0)[0].ID
	if err := s.Archive(id); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	// Nothing is old enough.
	if n := s.Purge("", time.Hour); n != 0 {
		t.Errorf("purged %d, want 0", n)
	}
	// Archived records older than 0 purge by status.
	if n := s.Purge(StatusArchived, 0); n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	// Remaining records purge wholesale.
	if n := s.Purge("", 0); n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	if s.Len() != 0 {
		t.Errorf("len = %d", s.Len())
	}
}
