package updates

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wxhelper/internal/domain"
)

type recorder struct {
	mu   sync.Mutex
	seen []int64
}

func (r *recorder) add(id int64) {
	r.mu.Lock()
	r.seen = append(r.seen, id)
	r.mu.Unlock()
}

func (r *recorder) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seen...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFollower_HandlesInOrderIncludingLateAppends(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	fill(l, 3)

	rec := &recorder{}
	f := NewFollower(FollowerConfig{
		Name:   "test",
		Log:    l,
		Logger: testLogger(),
		Handle: func(ctx context.Context, u domain.Update) error {
			rec.add(u.UpdateID)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	waitFor(t, "backlog", func() bool { return len(rec.ids()) == 3 })
	fill(l, 2)
	waitFor(t, "late appends", func() bool { return len(rec.ids()) == 5 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for i, id := range rec.ids() {
		if id != int64(i+1) {
			t.Fatalf("out of order delivery: %v", rec.ids())
		}
	}
	if f.Cursor() != 6 {
		t.Fatalf("expected cursor 6, got %d", f.Cursor())
	}
}

func TestFollower_RetriesWithoutAdvancing(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	fill(l, 2)

	var calls atomic.Int32
	var advanced []int64
	var mu sync.Mutex
	f := NewFollower(FollowerConfig{
		Name:           "flaky",
		Log:            l,
		Logger:         testLogger(),
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Handle: func(ctx context.Context, u domain.Update) error {
			if u.UpdateID == 1 && calls.Add(1) < 3 {
				return errors.New("remote down")
			}
			return nil
		},
		OnAdvance: func(ctx context.Context, cursor int64) {
			mu.Lock()
			advanced = append(advanced, cursor)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitFor(t, "cursor to pass both updates", func() bool { return f.Cursor() == 3 })
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts on update 1, got %d", calls.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(advanced) != 2 || advanced[0] != 2 || advanced[1] != 3 {
		t.Fatalf("expected cursor persisted as [2 3], got %v", advanced)
	}
}

func TestFollower_SkipMovesOn(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	fill(l, 2)

	rec := &recorder{}
	f := NewFollower(FollowerConfig{
		Name:   "skipper",
		Log:    l,
		Logger: testLogger(),
		Handle: func(ctx context.Context, u domain.Update) error {
			rec.add(u.UpdateID)
			if u.UpdateID == 1 {
				return Skip(errors.New("malformed"))
			}
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitFor(t, "both updates", func() bool { return f.Cursor() == 3 })
	if got := rec.ids(); len(got) != 2 {
		t.Fatalf("expected one attempt per update, got %v", got)
	}
}

func TestFollower_FilterStillAdvancesCursor(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	l.Append(domain.Message{Direction: domain.DirectionSystem, Text: "notice"})
	l.Append(text("hello"))

	rec := &recorder{}
	f := NewFollower(FollowerConfig{
		Name:    "filtered",
		Log:     l,
		Allowed: []string{domain.UpdateTypeMessage},
		Logger:  testLogger(),
		Handle: func(ctx context.Context, u domain.Update) error {
			rec.add(u.UpdateID)
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitFor(t, "cursor past both", func() bool { return f.Cursor() == 3 })
	if got := rec.ids(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only update 2 handled, got %v", got)
	}
	if got := l.Consumers()["filtered"]; got != 3 {
		t.Fatalf("expected retention cursor 3, got %d", got)
	}
}

func TestFollower_StartsAtGivenCursor(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	fill(l, 5)

	rec := &recorder{}
	f := NewFollower(FollowerConfig{
		Name:   "resumed",
		Log:    l,
		Start:  4,
		Logger: testLogger(),
		Handle: func(ctx context.Context, u domain.Update) error {
			rec.add(u.UpdateID)
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitFor(t, "resumed delivery", func() bool { return f.Cursor() == 6 })
	if got := rec.ids(); len(got) != 2 || got[0] != 4 {
		t.Fatalf("expected [4 5], got %v", got)
	}
}

func TestBackoff_CappedAndGrowing(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	prevFloor := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(attempt, base, max)
		if d > max {
			t.Fatalf("attempt %d: %v exceeds cap", attempt, d)
		}
		floor := base << (attempt - 1)
		if floor > max {
			floor = max
		}
		if d < floor {
			t.Fatalf("attempt %d: %v below floor %v", attempt, d, floor)
		}
		if floor < prevFloor {
			t.Fatalf("floor shrank at attempt %d", attempt)
		}
		prevFloor = floor
	}
}
