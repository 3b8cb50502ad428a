package proctor

import "time"

// Tier is the escalation state derived from the violation count.
type Tier int

const (
	TierMonitoring Tier = iota
	TierWarned
	TierCritical
	TierSubmitted
)

func (t Tier) String() string {
	switch t {
	case TierMonitoring:
		return "monitoring"
	case TierWarned:
		return "warned"
	case TierCritical:
		return "critical"
	case TierSubmitted:
		return "submitted"
	}
	return "unknown"
}

func tierFor(count, warn, critical int) Tier {
	switch {
	case count >= critical:
		return TierCritical
	case count >= warn:
		return TierWarned
	}
	return TierMonitoring
}

// Urgency grades an on-screen notification.
type Urgency int

const (
	// UrgencyInfo marks forgiveness warnings and nudges, which are never counted.
	UrgencyInfo Urgency = iota
	UrgencyNotice
	UrgencyWarning
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyInfo:
		return "info"
	case UrgencyNotice:
		return "notice"
	case UrgencyWarning:
		return "warning"
	case UrgencyCritical:
		return "critical"
	}
	return "unknown"
}

// Duration is how long a toast of this urgency stays on screen.
func (u Urgency) Duration() time.Duration {
	switch u {
	case UrgencyNotice:
		return 4 * time.Second
	case UrgencyWarning:
		return 6 * time.Second
	case UrgencyCritical:
		return 8 * time.Second
	}
	return 3 * time.Second
}

func urgencyFor(count, warn, critical int) Urgency {
	switch tierFor(count, warn, critical) {
	case TierCritical:
		return UrgencyCritical
	case TierWarned:
		return UrgencyWarning
	}
	return UrgencyNotice
}
