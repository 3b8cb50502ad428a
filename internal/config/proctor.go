package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
)

// ProctorConfig holds the thresholds and endpoints used by the student and instructor runtimes.
type ProctorConfig struct {
	LogLevel  string
	LogFormat string
	APIURL    string
	WSURL     string
	Token     string

	GracePeriod         time.Duration
	TypeThrottle        time.Duration
	FocusGroupThrottle  time.Duration
	ForgiveWindow       time.Duration
	AlertDwell          time.Duration
	InactivityWarn      time.Duration
	InactivityViolation time.Duration
	InactivityCheck     time.Duration
	ViewportPoll        time.Duration

	WarnThreshold     int
	CriticalThreshold int
	SplitScreenRatio  float64

	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	// AlertReorderWindow optionally holds the first alert of a burst so late-arriving
	// earlier detections can be sorted in front of it. Zero shows it immediately.
	AlertReorderWindow time.Duration
}

// DefaultProctor returns the stock thresholds.
func DefaultProctor() ProctorConfig {
	return ProctorConfig{
		LogLevel:            "info",
		LogFormat:           "pretty",
		APIURL:              "http://localhost:8080",
		WSURL:               "ws://localhost:8080/ws/v1/proctor",
		GracePeriod:         2 * time.Second,
		TypeThrottle:        time.Second,
		FocusGroupThrottle:  3 * time.Second,
		ForgiveWindow:       3 * time.Second,
		AlertDwell:          10 * time.Second,
		InactivityWarn:      30 * time.Second,
		InactivityViolation: 60 * time.Second,
		InactivityCheck:     5 * time.Second,
		ViewportPoll:        time.Second,
		WarnThreshold:       3,
		CriticalThreshold:   5,
		SplitScreenRatio:    0.9,
		HeartbeatInterval:   10 * time.Second,
		ReconnectMin:        time.Second,
		ReconnectMax:        5 * time.Second,
		AlertReorderWindow:  0,
	}
}

// LoadProctor reads ProctorConfig from the environment on top of DefaultProctor.
func LoadProctor() (ProctorConfig, error) {
	_ = godotenv.Load()

	d := DefaultProctor()
	cfg := ProctorConfig{
		LogLevel:            getEnv("LOG_LEVEL", d.LogLevel),
		LogFormat:           getEnv("LOG_FORMAT", d.LogFormat),
		APIURL:              getEnv("API_URL", d.APIURL),
		WSURL:               getEnv("WS_URL", d.WSURL),
		Token:               getEnv("API_TOKEN", ""),
		GracePeriod:         getEnvDuration("GRACE_PERIOD", d.GracePeriod),
		TypeThrottle:        getEnvDuration("TYPE_THROTTLE", d.TypeThrottle),
		FocusGroupThrottle:  getEnvDuration("FOCUS_GROUP_THROTTLE", d.FocusGroupThrottle),
		ForgiveWindow:       getEnvDuration("FORGIVE_WINDOW", d.ForgiveWindow),
		AlertDwell:          getEnvDuration("ALERT_DWELL", d.AlertDwell),
		InactivityWarn:      getEnvDuration("INACTIVITY_WARN", d.InactivityWarn),
		InactivityViolation: getEnvDuration("INACTIVITY_VIOLATION", d.InactivityViolation),
		InactivityCheck:     getEnvDuration("INACTIVITY_CHECK", d.InactivityCheck),
		ViewportPoll:        getEnvDuration("VIEWPORT_POLL", d.ViewportPoll),
		WarnThreshold:       getEnvInt("WARN_THRESHOLD", d.WarnThreshold),
		CriticalThreshold:   getEnvInt("CRITICAL_THRESHOLD", d.CriticalThreshold),
		SplitScreenRatio:    getEnvFloat("SPLIT_SCREEN_RATIO", d.SplitScreenRatio),
		HeartbeatInterval:   getEnvDuration("HEARTBEAT_INTERVAL", d.HeartbeatInterval),
		ReconnectMin:        getEnvDuration("RECONNECT_MIN", d.ReconnectMin),
		ReconnectMax:        getEnvDuration("RECONNECT_MAX", d.ReconnectMax),
		AlertReorderWindow:  getEnvDuration("ALERT_REORDER_WINDOW", d.AlertReorderWindow),
	}
	return cfg, cfg.Validate()
}

var errNonPositive = errors.New("must be positive")

// Validate checks that every duration is positive and that the thresholds keep their relative order.
func (c ProctorConfig) Validate() error {
	positive := map[string]time.Duration{
		"GRACE_PERIOD":         c.GracePeriod,
		"TYPE_THROTTLE":        c.TypeThrottle,
		"FOCUS_GROUP_THROTTLE": c.FocusGroupThrottle,
		"FORGIVE_WINDOW":       c.ForgiveWindow,
		"ALERT_DWELL":          c.AlertDwell,
		"INACTIVITY_WARN":      c.InactivityWarn,
		"INACTIVITY_VIOLATION": c.InactivityViolation,
		"INACTIVITY_CHECK":     c.InactivityCheck,
		"VIEWPORT_POLL":        c.ViewportPoll,
		"HEARTBEAT_INTERVAL":   c.HeartbeatInterval,
		"RECONNECT_MIN":        c.ReconnectMin,
		"RECONNECT_MAX":        c.ReconnectMax,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s: %w", name, errNonPositive)
		}
	}

	order := []struct {
		lo, hi     time.Duration
		loN, hiN   string
		allowEqual bool
	}{
		{c.TypeThrottle, c.FocusGroupThrottle, "TYPE_THROTTLE", "FOCUS_GROUP_THROTTLE", false},
		{c.FocusGroupThrottle, c.ForgiveWindow, "FOCUS_GROUP_THROTTLE", "FORGIVE_WINDOW", true},
		{c.ForgiveWindow, c.AlertDwell, "FORGIVE_WINDOW", "ALERT_DWELL", false},
		{c.AlertDwell, c.InactivityWarn, "ALERT_DWELL", "INACTIVITY_WARN", false},
		{c.InactivityWarn, c.InactivityViolation, "INACTIVITY_WARN", "INACTIVITY_VIOLATION", false},
		{c.ReconnectMin, c.ReconnectMax, "RECONNECT_MIN", "RECONNECT_MAX", true},
	}
	for _, o := range order {
		if o.lo > o.hi || (!o.allowEqual && o.lo == o.hi) {
			return fmt.Errorf("%s (%s) must be below %s (%s)", o.loN, o.lo, o.hiN, o.hi)
		}
	}

	if c.WarnThreshold <= 0 || c.WarnThreshold >= c.CriticalThreshold {
		return fmt.Errorf("WARN_THRESHOLD (%d) must be in (0, CRITICAL_THRESHOLD=%d)", c.WarnThreshold, c.CriticalThreshold)
	}
	if c.SplitScreenRatio <= 0 || c.SplitScreenRatio > 1 {
		return fmt.Errorf("SPLIT_SCREEN_RATIO (%v) must be in (0, 1]", c.SplitScreenRatio)
	}
	if c.AlertReorderWindow < 0 {
		return fmt.Errorf("ALERT_REORDER_WINDOW: %w", errNonPositive)
	}
	return nil
}
