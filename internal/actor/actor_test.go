package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTableGetOrStartIsAtomic(t *testing.T) {
	tbl := NewTable[string, *int]()
	var started atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := tbl.GetOrStart("room-1", func() (*int, error) {
				started.Add(1)
				v := 42
				return &v, nil
			})
			if err != nil {
				t.Errorf("GetOrStart: %v", err)
			}
		}()
	}
	wg.Wait()

	if started.Load() != 1 {
		t.Errorf("start invoked %d times, want 1", started.Load())
	}
	if tbl.Len() != 1 {
		t.Errorf("len = %d, want 1", tbl.Len())
	}
}

func TestTableStartErrorLeavesNoEntry(t *testing.T) {
	tbl := NewTable[string, int]()
	wantErr := errors.New("boom")

	_, created, err := tbl.GetOrStart("k", func() (int, error) { return 0, wantErr })
	if !errors.Is(err, wantErr) || created {
		t.Fatalf("GetOrStart = created %v, err %v", created, err)
	}
	if _, ok := tbl.Get("k"); ok {
		t.Error("failed start should not register an actor")
	}
}

func TestTableRemoveAndRange(t *testing.T) {
	tbl := NewTable[string, int]()
	for _, k := range []string{"a", "b", "c"} {
		tbl.GetOrStart(k, func() (int, error) { return 1, nil })
	}
	tbl.Remove("b")

	seen := map[string]bool{}
	tbl.Range(func(k string, _ int) { seen[k] = true })
	if len(seen) != 2 || seen["b"] {
		t.Errorf("range saw %v", seen)
	}
}

func TestSupervisorRestartsFailedChild(t *testing.T) {
	sup := NewSupervisor(context.Background(),
		WithRestartWait(time.Millisecond),
		WithIntensity(Intensity{MaxRestarts: 10, Window: time.Minute}))
	defer sup.Stop()

	var runs atomic.Int32
	done := make(chan struct{})
	sup.StartChild(ChildSpec{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("child was not restarted to completion")
	}
	if runs.Load() != 3 {
		t.Errorf("runs = %d, want 3", runs.Load())
	}
}

func TestSupervisorEscalatesWhenIntensityExceeded(t *testing.T) {
	escalated := make(chan struct{})
	sup := NewSupervisor(context.Background(),
		WithRestartWait(time.Millisecond),
		WithIntensity(Intensity{MaxRestarts: 2, Window: time.Minute}),
		WithOnEscalate(func() { close(escalated) }))
	defer sup.Stop()

	sup.StartChild(ChildSpec{
		Name: "crashloop",
		Run:  func(ctx context.Context) error { return errors.New("always") },
	})

	select {
	case <-escalated:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never escalated")
	}

	select {
	case <-sup.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("subtree context not canceled on escalation")
	}
}

func TestSupervisorRecoversChildPanic(t *testing.T) {
	sup := NewSupervisor(context.Background(),
		WithRestartWait(time.Millisecond),
		WithIntensity(Intensity{MaxRestarts: 5, Window: time.Minute}))
	defer sup.Stop()

	var runs atomic.Int32
	done := make(chan struct{})
	sup.StartChild(ChildSpec{
		Name: "panicky",
		Run: func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				panic("listener blew up")
			}
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking child was not restarted")
	}
}

func TestSupervisorStopWaitsForChildren(t *testing.T) {
	sup := NewSupervisor(context.Background())

	exited := make(chan struct{})
	sup.StartChild(ChildSpec{
		Name: "blocker",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(exited)
			return nil
		},
	})

	time.Sleep(10 * time.Millisecond)
	sup.Stop()

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("Stop returned before child exited")
	}
}
