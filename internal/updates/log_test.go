package updates

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"wxhelper/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func text(s string) domain.Message {
	return domain.Message{MessageID: s, Direction: domain.DirectionInbound, Text: s}
}

func fill(l *Log, n int) {
	for i := 0; i < n; i++ {
		l.Append(text("m"))
	}
}

func ids(ups []domain.Update) []int64 {
	out := make([]int64, len(ups))
	for i, u := range ups {
		out[i] = u.UpdateID
	}
	return out
}

func TestLog_AppendAssignsGaplessIDs(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	for want := int64(1); want <= 5; want++ {
		u := l.Append(text("x"))
		if u.UpdateID != want {
			t.Fatalf("expected id %d, got %d", want, u.UpdateID)
		}
	}
	if l.LastID() != 5 {
		t.Fatalf("expected last id 5, got %d", l.LastID())
	}
}

func TestLog_ReadFromOrdering(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	fill(l, 20)

	for k := int64(0); k <= 21; k++ {
		got := l.ReadFrom(k, 0, nil)
		start := k
		if start < 1 {
			start = 1
		}
		wantLen := int(20 - start + 1)
		if wantLen < 0 {
			wantLen = 0
		}
		if len(got) != wantLen {
			t.Fatalf("offset %d: expected %d updates, got %d", k, wantLen, len(got))
		}
		for i, u := range got {
			if u.UpdateID != start+int64(i) {
				t.Fatalf("offset %d: position %d has id %d", k, i, u.UpdateID)
			}
		}
	}
}

func TestLog_ReadFromCursorCorrectness(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	fill(l, 10)

	got := ids(l.ReadFrom(5, 100, nil))
	if len(got) != 6 || got[0] != 5 || got[5] != 10 {
		t.Fatalf("expected 5..10, got %v", got)
	}
	if rest := l.ReadFrom(11, 100, nil); len(rest) != 0 {
		t.Fatalf("expected empty at offset 11, got %v", ids(rest))
	}
}

func TestLog_ReadFromLimit(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	fill(l, 10)
	got := ids(l.ReadFrom(3, 4, nil))
	if len(got) != 4 || got[0] != 3 || got[3] != 6 {
		t.Fatalf("expected 3..6, got %v", got)
	}
}

func TestLog_ReadFromAllowedFilter(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	l.Append(text("a"))
	l.Append(domain.Message{MessageID: "sys", Direction: domain.DirectionSystem, Text: "logged in"})
	l.Append(text("b"))

	msgs := l.ReadFrom(0, 0, []string{domain.UpdateTypeMessage})
	if got := ids(msgs); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected [1 3], got %v", got)
	}
	sys := l.ReadFrom(0, 0, []string{domain.UpdateTypeSystemNotice})
	if len(sys) != 1 || sys[0].UpdateID != 2 {
		t.Fatalf("expected only update 2, got %v", ids(sys))
	}
}

func TestLog_AppendCopiesMessage(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	m := text("original")
	l.Append(m)
	m.Text = "changed"
	if got := l.ReadFrom(1, 1, nil)[0].Message.Text; got != "original" {
		t.Fatalf("stored update was mutated: %q", got)
	}
}

func TestLog_SnapshotWakesOnAppend(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	ups, changed := l.Snapshot(1, 10, nil)
	if len(ups) != 0 {
		t.Fatalf("expected empty snapshot")
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Append(text("x"))
	}()
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("append did not close the snapshot channel")
	}
	if len(l.ReadFrom(1, 10, nil)) != 1 {
		t.Fatal("expected the appended update after wake")
	}
}

func TestLog_ConcurrentAppendsStayGapless(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fill(l, 50)
		}()
	}
	wg.Wait()

	all := l.ReadFrom(0, 0, nil)
	if len(all) != 400 {
		t.Fatalf("expected 400 updates, got %d", len(all))
	}
	for i, u := range all {
		if u.UpdateID != int64(i+1) {
			t.Fatalf("gap at position %d: id %d", i, u.UpdateID)
		}
	}
}

func TestLog_RetentionWithoutConsumersKeepsEverything(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	fill(l, 50)
	if l.Len() != 50 || l.MinRetainedID() != 1 {
		t.Fatalf("expected all 50 retained, got len=%d min=%d", l.Len(), l.MinRetainedID())
	}
}

func TestLog_RetentionFollowsSlowestConsumer(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	fill(l, 10)

	l.AdvanceRetention("archiver", 4)
	l.AdvanceRetention("webhook", 8)
	if got := l.MinRetainedID(); got != 4 {
		t.Fatalf("expected min retained 4, got %d", got)
	}

	l.AdvanceRetention("archiver", 11)
	if got := l.MinRetainedID(); got != 8 {
		t.Fatalf("expected min retained 8 after archiver caught up, got %d", got)
	}

	l.RemoveConsumer("webhook")
	if got := l.MinRetainedID(); got != 11 {
		t.Fatalf("expected empty log (min 11), got %d", got)
	}
	if l.Len() != 0 {
		t.Fatalf("expected empty log, got %d entries", l.Len())
	}
}

func TestLog_CursorNeverMovesBackwards(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	fill(l, 5)
	l.AdvanceRetention("c", 4)
	l.AdvanceRetention("c", 2)
	if got := l.Consumers()["c"]; got != 4 {
		t.Fatalf("expected cursor 4, got %d", got)
	}
}

func TestLog_CountCeilingBeatsStalledConsumer(t *testing.T) {
	l := New(Config{MaxRetained: 5, Logger: testLogger()})
	l.AdvanceRetention("stalled", 1)
	fill(l, 12)

	if l.Len() != 5 {
		t.Fatalf("expected 5 retained, got %d", l.Len())
	}
	if got := l.MinRetainedID(); got != 8 {
		t.Fatalf("expected min retained 8, got %d", got)
	}
	if got := ids(l.ReadFrom(1, 0, nil)); got[0] != 8 {
		t.Fatalf("reads below the retained window start at the oldest entry, got %v", got)
	}
}

func TestLog_AgeCeiling(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := New(Config{MaxAge: time.Hour, Logger: testLogger(), Now: clock})

	fill(l, 3)
	now = now.Add(2 * time.Hour)
	l.Append(text("fresh"))

	if l.Len() != 1 || l.MinRetainedID() != 4 {
		t.Fatalf("expected only update 4 retained, got len=%d min=%d", l.Len(), l.MinRetainedID())
	}
}

func TestLog_PollerRegistrationExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(Config{PollerTTL: time.Minute, Logger: testLogger(), Now: func() time.Time { return now }})
	fill(l, 5)

	l.TrackPoller("longpoll:a", 3)
	l.AdvanceRetention("webhook", 6)
	if got := l.MinRetainedID(); got != 1 {
		t.Fatalf("expected a new poller to pin everything retained, got %d", got)
	}

	now = now.Add(40 * time.Second)
	l.TrackPoller("longpoll:a", 3)
	now = now.Add(30 * time.Second)
	l.Append(text("later"))
	if got := l.MinRetainedID(); got != 3 {
		t.Fatalf("expected poller to pin retention at 3, got %d", got)
	}

	now = now.Add(5 * time.Minute)
	l.Append(text("later"))
	if _, ok := l.Consumers()["longpoll:a"]; ok {
		t.Fatal("expected idle poller registration to expire")
	}
	if got := l.MinRetainedID(); got != 6 {
		t.Fatalf("expected min retained 6 after expiry, got %d", got)
	}
}

func TestLog_PollerPinsLowestRecentOffset(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(Config{PollerTTL: time.Minute, Logger: testLogger(), Now: func() time.Time { return now }})
	fill(l, 10)

	// Two clients share one registration; the higher offset must not evict
	// what the lower one still reads.
	l.TrackPoller("longpoll:tok", 11)
	l.TrackPoller("longpoll:tok", 5)
	if got := ids(l.ReadFrom(5, 0, nil)); len(got) != 6 || got[0] != 5 {
		t.Fatalf("expected 5..10 still readable, got %v", got)
	}

	now = now.Add(30 * time.Second)
	l.TrackPoller("longpoll:tok", 8)
	now = now.Add(45 * time.Second)
	l.Append(text("m"))
	if got := l.Consumers()["longpoll:tok"]; got != 8 {
		t.Fatalf("expected cursor at the lowest recent offset 8, got %d", got)
	}
	if got := l.MinRetainedID(); got != 8 {
		t.Fatalf("expected min retained 8, got %d", got)
	}
}

func TestLog_Pending(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	if l.Pending(1) != 0 {
		t.Fatal("expected nothing pending on empty log")
	}
	fill(l, 10)
	cases := map[int64]int{0: 10, 1: 10, 4: 7, 10: 1, 11: 0, 50: 0}
	for cursor, want := range cases {
		if got := l.Pending(cursor); got != want {
			t.Errorf("Pending(%d) = %d, want %d", cursor, got, want)
		}
	}
}

func TestLog_Resume(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	l.Resume(42)
	if u := l.Append(text("x")); u.UpdateID != 42 {
		t.Fatalf("expected resumed id 42, got %d", u.UpdateID)
	}
	l.Resume(100)
	if u := l.Append(text("y")); u.UpdateID != 43 {
		t.Fatalf("resume after append must be ignored, got %d", u.UpdateID)
	}
}

func TestLog_PreloadKeepsTrailingRun(t *testing.T) {
	l := New(Config{Logger: testLogger()})
	var ups []domain.Update
	for _, id := range []int64{3, 4, 7, 8, 9} {
		m := text("old")
		ups = append(ups, domain.Update{UpdateID: id, Message: &m})
	}
	l.Preload(ups)

	if got := ids(l.ReadFrom(0, 0, nil)); len(got) != 3 || got[0] != 7 || got[2] != 9 {
		t.Fatalf("expected [7 8 9], got %v", got)
	}
	if u := l.Append(text("new")); u.UpdateID != 10 {
		t.Fatalf("expected next id 10, got %d", u.UpdateID)
	}
	l.Preload(ups)
	if l.Len() != 4 {
		t.Fatalf("preload on a non-empty log must be ignored, got %d entries", l.Len())
	}
}
