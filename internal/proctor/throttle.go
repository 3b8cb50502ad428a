package proctor

import (
	"time"

	"github.com/stemsi/oem-proctor/internal/model"
)

// throttle remembers when each type, and the focus-loss group, last produced an accepted event.
// Dropped signals are never recorded, so they cannot extend a window.
type throttle struct {
	perType   time.Duration
	group     time.Duration
	last      map[model.EventType]time.Time
	lastGroup time.Time
}

func newThrottle(perType, group time.Duration) *throttle {
	return &throttle{
		perType: perType,
		group:   group,
		last:    make(map[model.EventType]time.Time),
	}
}

// allow reports whether et may be accepted at now, and records it if so.
func (t *throttle) allow(et model.EventType, now time.Time) bool {
	if prev, ok := t.last[et]; ok && now.Sub(prev) < t.perType {
		return false
	}
	if et.InFocusGroup() && !t.lastGroup.IsZero() && now.Sub(t.lastGroup) < t.group {
		return false
	}

	t.last[et] = now
	if et.InFocusGroup() {
		t.lastGroup = now
	}
	return true
}
