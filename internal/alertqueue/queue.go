package alertqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/clock"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
)

// Alert is one relayed violation waiting for, or on, the instructor's screen.
type Alert struct {
	ws.CheatingDetected
	ReceivedAt time.Time
	seq        uint64
}

// Presenter is the instructor's screen. Its methods are called with the queue locked and must not call back into it.
type Presenter interface {
	// Show puts a on screen, replacing whatever was shown. queued counts every alert including a.
	Show(a Alert, queued int)
	// Clear empties the screen.
	Clear()
	// Alarm fires on every arrival: an audible cue and, where permitted, an OS notification.
	Alarm(a Alert)
}

type Options struct {
	Clock     clock.Clock
	Presenter Presenter
	Dwell     time.Duration
	Logger    zerolog.Logger

	// ReorderWindow delays the first display after the screen goes idle so a burst can be sorted.
	ReorderWindow time.Duration

	// DedupeTTL is how long an event ID is remembered for duplicate suppression. Defaults to 10 minutes.
	DedupeTTL time.Duration
}

type sighting struct {
	id uuid.UUID
	at time.Time
}

// Queue keeps alerts sorted by detection time and shows exactly one at a time.
type Queue struct {
	clk       clock.Clock
	presenter Presenter
	dwell     time.Duration
	reorder   time.Duration
	log       zerolog.Logger

	mu      sync.Mutex
	items   []Alert
	seen    map[uuid.UUID]struct{}
	seq     uint64
	showing bool
	current uint64
	// overstayed is set when a lone item outlived its dwell. The next arrival restarts the dwell.
	overstayed bool
	timer      clock.Timer
	gen        uint64
	closed     bool

	// sightings holds seen IDs in arrival order for expiry.
	sightings []sighting
	dedupeTTL time.Duration
}

func New(opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dwell <= 0 {
		opts.Dwell = 10 * time.Second
	}
	if opts.ReorderWindow < 0 {
		opts.ReorderWindow = 0
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	return &Queue{
		clk:       opts.Clock,
		presenter: opts.Presenter,
		dwell:     opts.Dwell,
		reorder:   opts.ReorderWindow,
		dedupeTTL: opts.DedupeTTL,
		seen:      make(map[uuid.UUID]struct{}),
		log:       opts.Logger.With().Str("component", "alert_queue").Logger(),
	}
}

// Push inserts a by detection time and raises the alarm. Duplicate event IDs are ignored.
func (q *Queue) Push(cd ws.CheatingDetected) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	now := q.clk.Now()
	q.expireSightings(now)
	if cd.EventID != uuid.Nil {
		if _, dup := q.seen[cd.EventID]; dup {
			return
		}
		q.seen[cd.EventID] = struct{}{}
		q.sightings = append(q.sightings, sighting{id: cd.EventID, at: now})
	}

	q.seq++
	a := Alert{CheatingDetected: cd, ReceivedAt: now, seq: q.seq}
	i := sort.Search(len(q.items), func(i int) bool { return less(a, q.items[i]) })
	q.items = append(q.items, Alert{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = a

	q.log.Debug().
		Str("event_id", cd.EventID.String()).
		Str("student", cd.StudentName).
		Int("queued", len(q.items)).
		Msg("Alert queued")
	q.presenter.Alarm(a)

	switch {
	case q.showing:
		if q.overstayed {
			q.overstayed = false
			q.arm(q.dwell, q.advanceOnDwell)
		}
	case q.timer == nil:
		if q.reorder > 0 {
			q.arm(q.reorder, q.showEarliest)
		} else {
			q.showEarliest()
		}
	}
}

// expireSightings forgets event IDs first seen more than dedupeTTL ago.
func (q *Queue) expireSightings(now time.Time) {
	n := 0
	for n < len(q.sightings) && now.Sub(q.sightings[n].at) >= q.dedupeTTL {
		delete(q.seen, q.sightings[n].id)
		n++
	}
	if n > 0 {
		q.sightings = append(q.sightings[:0], q.sightings[n:]...)
	}
}

// Dismiss removes the displayed alert and promotes the earliest remaining one.
func (q *Queue) Dismiss() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.showing {
		return false
	}
	q.removeCurrent()
	q.showEarliest()
	return true
}

// Current returns the alert on screen.
func (q *Queue) Current() (Alert, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.showing {
		return Alert{}, false
	}
	for _, a := range q.items {
		if a.seq == q.current {
			return a, true
		}
	}
	return Alert{}, false
}

// Len is the number of queued alerts, the displayed one included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close cancels pending timers. Later pushes are ignored.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.stopTimer()
}

func less(a, b Alert) bool {
	if a.DetectedAt.Equal(b.DetectedAt) {
		return a.seq < b.seq
	}
	return a.DetectedAt.Before(b.DetectedAt)
}

// arm replaces the pending timer. fn runs with the lock held and only if no newer timer was armed.
func (q *Queue) arm(d time.Duration, fn func()) {
	q.stopTimer()
	gen := q.gen
	q.timer = q.clk.AfterFunc(d, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed || gen != q.gen {
			return
		}
		q.timer = nil
		fn()
	})
}

func (q *Queue) stopTimer() {
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) showEarliest() {
	q.stopTimer()
	q.overstayed = false
	if len(q.items) == 0 {
		q.showing = false
		q.current = 0
		q.presenter.Clear()
		return
	}
	a := q.items[0]
	q.showing = true
	q.current = a.seq
	q.presenter.Show(a, len(q.items))
	q.arm(q.dwell, q.advanceOnDwell)
}

func (q *Queue) advanceOnDwell() {
	if len(q.items) > 1 {
		q.removeCurrent()
		q.showEarliest()
		return
	}
	q.overstayed = true
}

func (q *Queue) removeCurrent() {
	for i, a := range q.items {
		if a.seq == q.current {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}
