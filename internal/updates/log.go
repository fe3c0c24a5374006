// Package updates implements the append-only update log every consumer reads from.
package updates

import (
	"log/slog"
	"sync"
	"time"

	"wxhelper/internal/domain"
	"wxhelper/internal/metrics"
)

// Config configures a Log.
type Config struct {
	// MaxRetained caps the number of updates kept in memory (0 = unlimited).
	MaxRetained int
	// MaxAge evicts updates older than this regardless of cursors (0 = unlimited).
	MaxAge time.Duration
	// PollerTTL is how long a long-poll request keeps pinning its offset
	// (0 = until the registration is removed).
	PollerTTL time.Duration
	Logger    *slog.Logger
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

type consumer struct {
	cursor int64
	seen   time.Time
	// polls holds the offsets of recent long-poll requests and when each was last
	// seen; nil for durable consumers.
	polls map[int64]time.Time
}

// maxPolls bounds the offsets remembered per long-poll registration.
const maxPolls = 256

// Log is a monitor over an ordered, gapless sequence of updates. Waiting for new
// data happens outside the lock on a broadcast channel that is closed and replaced
// on every append.
type Log struct {
	mu        sync.Mutex
	entries   []domain.Update
	nextID    int64
	changed   chan struct{}
	consumers map[string]*consumer

	maxRetained int
	maxAge      time.Duration
	pollerTTL   time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an empty log whose first update id is 1.
func New(cfg Config) *Log {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Log{
		nextID:      1,
		changed:     make(chan struct{}),
		consumers:   make(map[string]*consumer),
		maxRetained: cfg.MaxRetained,
		maxAge:      cfg.MaxAge,
		pollerTTL:   cfg.PollerTTL,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// Resume makes the next appended update use id next. It only has an effect on an
// empty log that has never been appended to; ids persisted by the message store
// are kept unique across restarts this way.
func (l *Log) Resume(next int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 && l.nextID == 1 && next > 1 {
		l.nextID = next
	}
}

// Preload seeds a log that has never been appended to with updates read back from
// durable storage, so persisted consumer cursors stay meaningful across restarts.
// ups must be ordered by id; only the trailing gapless run is kept. The next
// append continues after the last preloaded id.
func (l *Log) Preload(ups []domain.Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) != 0 || len(ups) == 0 {
		return
	}
	for _, u := range ups {
		if n := len(l.entries); n > 0 && u.UpdateID != l.entries[n-1].UpdateID+1 {
			l.entries = l.entries[:0]
		}
		if u.ReceivedAt.IsZero() {
			u.ReceivedAt = l.now()
		}
		l.entries = append(l.entries, u)
	}
	if last := l.entries[len(l.entries)-1].UpdateID; last >= l.nextID {
		l.nextID = last + 1
	}
	l.evictLocked()
	metrics.UpdateLogSize.Set(float64(len(l.entries)))
}

// Append stores msg as the next update and wakes every waiter.
func (l *Log) Append(msg domain.Message) domain.Update {
	m := msg
	l.mu.Lock()
	u := domain.Update{UpdateID: l.nextID, Message: &m, ReceivedAt: l.now()}
	l.nextID++
	l.entries = append(l.entries, u)
	l.evictLocked()
	close(l.changed)
	l.changed = make(chan struct{})
	size := len(l.entries)
	l.mu.Unlock()

	metrics.UpdatesAppended.WithLabelValues(string(m.Direction)).Inc()
	metrics.UpdateLogSize.Set(float64(size))
	return u
}

// ReadFrom returns retained updates with id >= offset that pass the allowed filter,
// oldest first, at most limit of them (limit <= 0 means no limit). It never blocks.
func (l *Log) ReadFrom(offset int64, limit int, allowed []string) []domain.Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(offset, limit, allowed)
}

// Snapshot is ReadFrom plus the channel that will be closed by the next append.
// Both are taken under the same lock, so an append that lands after the read is
// guaranteed to close the returned channel.
func (l *Log) Snapshot(offset int64, limit int, allowed []string) ([]domain.Update, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(offset, limit, allowed), l.changed
}

func (l *Log) readLocked(offset int64, limit int, allowed []string) []domain.Update {
	if len(l.entries) == 0 {
		return nil
	}
	start := 0
	if first := l.entries[0].UpdateID; offset > first {
		start = int(offset - first)
	}
	if start >= len(l.entries) {
		return nil
	}
	var out []domain.Update
	for _, u := range l.entries[start:] {
		if !u.Matches(allowed) {
			continue
		}
		out = append(out, u)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// LastID is the highest id ever assigned (0 before the first append).
func (l *Log) LastID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID - 1
}

// MinRetainedID is the lowest id still readable. On an empty log it is the id the
// next append will receive.
func (l *Log) MinRetainedID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return l.nextID
	}
	return l.entries[0].UpdateID
}

// Pending counts retained updates with id >= cursor.
func (l *Log) Pending(cursor int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0
	}
	first := l.entries[0].UpdateID
	if cursor <= first {
		return len(l.entries)
	}
	n := len(l.entries) - int(cursor-first)
	if n < 0 {
		return 0
	}
	return n
}

// AdvanceRetention records that consumer has acknowledged everything below cursor.
// Durable consumers pin retention until removed. Cursors never move backwards.
func (l *Log) AdvanceRetention(consumerID string, cursor int64) {
	l.advance(consumerID, cursor)
}

// TrackPoller records a long-poll request reading from offset. A poller pins the
// lowest offset among its requests seen within PollerTTL, so one request cannot
// evict updates a concurrent request with a lower offset still needs. A new
// registration also pins everything currently retained for one TTL window.
func (l *Log) TrackPoller(consumerID string, offset int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c, ok := l.consumers[consumerID]
	if !ok {
		c = &consumer{polls: make(map[int64]time.Time)}
		c.polls[l.firstIDLocked()] = now
		l.consumers[consumerID] = c
	}
	c.polls[offset] = now
	c.seen = now
	if len(c.polls) > maxPolls {
		dropStalest(c.polls)
	}
	c.cursor = lowest(c.polls)
	l.evictLocked()
	metrics.ConsumerCursor.WithLabelValues(consumerID).Set(float64(c.cursor))
	metrics.UpdateLogSize.Set(float64(len(l.entries)))
}

func (l *Log) advance(consumerID string, cursor int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.consumers[consumerID]
	if !ok {
		c = &consumer{cursor: cursor}
		l.consumers[consumerID] = c
	}
	if cursor > c.cursor {
		c.cursor = cursor
	}
	c.seen = l.now()
	l.evictLocked()
	metrics.ConsumerCursor.WithLabelValues(consumerID).Set(float64(c.cursor))
	metrics.UpdateLogSize.Set(float64(len(l.entries)))
}

func (l *Log) firstIDLocked() int64 {
	if len(l.entries) == 0 {
		return l.nextID
	}
	return l.entries[0].UpdateID
}

func lowest(polls map[int64]time.Time) int64 {
	var (
		min   int64
		found bool
	)
	for off := range polls {
		if !found || off < min {
			min, found = off, true
		}
	}
	return min
}

func dropStalest(polls map[int64]time.Time) {
	var (
		stalest int64
		at      time.Time
		found   bool
	)
	for off, seen := range polls {
		if !found || seen.Before(at) {
			stalest, at, found = off, seen, true
		}
	}
	delete(polls, stalest)
}

// RemoveConsumer stops consumerID from pinning retention.
func (l *Log) RemoveConsumer(consumerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.consumers, consumerID)
	metrics.ConsumerCursor.DeleteLabelValues(consumerID)
	l.evictLocked()
}

// Consumers returns a copy of the registered cursors.
func (l *Log) Consumers() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.consumers))
	for id, c := range l.consumers {
		out[id] = c.cursor
	}
	return out
}

// Len is the number of retained updates.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evictLocked drops the longest prefix that is either acknowledged by every
// registered consumer or beyond the count/age ceiling.
func (l *Log) evictLocked() {
	if len(l.entries) == 0 {
		return
	}
	now := l.now()

	cut := 0
	if minCursor, ok := l.minCursorLocked(now); ok {
		for cut < len(l.entries) && l.entries[cut].UpdateID < minCursor {
			cut++
		}
	}
	if l.maxRetained > 0 && len(l.entries)-cut > l.maxRetained {
		cut = len(l.entries) - l.maxRetained
	}
	if l.maxAge > 0 {
		horizon := now.Add(-l.maxAge)
		for cut < len(l.entries) && l.entries[cut].ReceivedAt.Before(horizon) {
			cut++
		}
	}
	if cut == 0 {
		return
	}

	n := copy(l.entries, l.entries[cut:])
	clear(l.entries[n:])
	l.entries = l.entries[:n]
	metrics.UpdatesEvicted.Add(float64(cut))
}

func (l *Log) minCursorLocked(now time.Time) (int64, bool) {
	var (
		min   int64
		found bool
	)
	for id, c := range l.consumers {
		if c.polls != nil && l.pollerTTL > 0 {
			for off, seen := range c.polls {
				if now.Sub(seen) > l.pollerTTL {
					delete(c.polls, off)
				}
			}
			if len(c.polls) == 0 {
				l.logger.Debug("long-poll consumer expired", "consumer", id, "cursor", c.cursor)
				delete(l.consumers, id)
				metrics.ConsumerCursor.DeleteLabelValues(id)
				continue
			}
			c.cursor = lowest(c.polls)
		}
		if !found || c.cursor < min {
			min = c.cursor
			found = true
		}
	}
	return min, found
}
