package proctor

import (
	"time"

	"github.com/stemsi/oem-proctor/internal/clock"
)

// offenseBook holds forgive-first-offense counters keyed by offense identity.
// Each entry owns one reset timer which is restarted, never stacked, on a new offense.
type offenseBook struct {
	window  time.Duration
	entries map[string]*offense
}

type offense struct {
	count int
	last  time.Time
	timer clock.Timer
	gen   uint64
}

type offenseReset struct {
	book *offenseBook
	key  string
	gen  uint64
}

func newOffenseBook(window time.Duration) *offenseBook {
	return &offenseBook{window: window, entries: make(map[string]*offense)}
}

// record counts an offense of key at now and returns the count inside the current window.
// schedule arms the reset timer and receives the message to deliver when it fires.
func (b *offenseBook) record(key string, now time.Time, schedule func(time.Duration, offenseReset) clock.Timer) int {
	o, ok := b.entries[key]
	if !ok {
		o = &offense{}
		b.entries[key] = o
	}
	if o.count > 0 && now.Sub(o.last) >= b.window {
		o.count = 0
	}

	o.count++
	o.last = now
	if o.timer != nil {
		o.timer.Stop()
	}
	o.gen++
	o.timer = schedule(b.window, offenseReset{book: b, key: key, gen: o.gen})
	return o.count
}

func (b *offenseBook) reset(msg offenseReset) {
	o, ok := b.entries[msg.key]
	if !ok || o.gen != msg.gen {
		return
	}
	o.count = 0
	o.timer = nil
}

func (b *offenseBook) stopAll() {
	for _, o := range b.entries {
		if o.timer != nil {
			o.timer.Stop()
			o.timer = nil
		}
		o.count = 0
	}
}
