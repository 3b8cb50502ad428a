package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the canonical violation taxonomy.
type EventType string

const (
	EventBlockedKey            EventType = "blocked_key"
	EventFullscreenLost        EventType = "fullscreen_lost"
	EventFullscreenExitAttempt EventType = "fullscreen_exit_attempt"
	EventVisibilityHidden      EventType = "visibility_hidden"
	EventWindowBlur            EventType = "window_blur"
	EventTabSwitch             EventType = "tab_switch"
	EventAltTab                EventType = "alt_tab"
	EventSplitScreen           EventType = "split_screen"
	EventInactivity            EventType = "inactivity"
	EventMultipleFaces         EventType = "multiple_faces"
	EventNoFaceDetected        EventType = "no_face_detected"
	EventCopyPaste             EventType = "copy_paste"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventBlockedKey, EventFullscreenLost, EventFullscreenExitAttempt, EventVisibilityHidden,
	EventWindowBlur, EventTabSwitch, EventAltTab, EventSplitScreen, EventInactivity,
	EventMultipleFaces, EventNoFaceDetected, EventCopyPaste,
}

// Severity grades a violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var ErrUnknownEventType = errors.New("unknown event type")

func (t EventType) Valid() bool {
	_, err := t.Severity()
	return err == nil
}

// Severity returns the default severity of t.
func (t EventType) Severity() (Severity, error) {
	switch t {
	case EventMultipleFaces:
		return SeverityHigh, nil
	case EventBlockedKey, EventFullscreenLost, EventVisibilityHidden, EventWindowBlur,
		EventTabSwitch, EventAltTab, EventSplitScreen, EventNoFaceDetected, EventCopyPaste:
		return SeverityMedium, nil
	case EventFullscreenExitAttempt, EventInactivity:
		return SeverityLow, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, string(t))
}

// InFocusGroup reports whether t shares the focus-loss cooldown. One app switch
// typically fires several of these together.
func (t EventType) InFocusGroup() bool {
	switch t {
	case EventFullscreenLost, EventVisibilityHidden, EventWindowBlur, EventSplitScreen:
		return true
	}
	return false
}

// Describe returns a short human-readable label.
func (t EventType) Describe() string {
	switch t {
	case EventBlockedKey:
		return "Blocked key pressed"
	case EventFullscreenLost:
		return "Left fullscreen"
	case EventFullscreenExitAttempt:
		return "Tried to leave fullscreen"
	case EventVisibilityHidden:
		return "Exam tab hidden"
	case EventWindowBlur:
		return "Exam window lost focus"
	case EventTabSwitch:
		return "Switched tabs"
	case EventAltTab:
		return "Switched applications"
	case EventSplitScreen:
		return "Split screen detected"
	case EventInactivity:
		return "No activity"
	case EventMultipleFaces:
		return "Multiple faces on camera"
	case EventNoFaceDetected:
		return "No face on camera"
	case EventCopyPaste:
		return "Clipboard used"
	}
	return string(t)
}

// Details is the type-specific context of a violation. Each event type has exactly one
// concrete Details type, see NewDetails.
type Details interface {
	detailsOf() EventType
}

// BlockedKeyDetails names the key identity, e.g. "Ctrl+Shift+I".
type BlockedKeyDetails struct {
	Key     string `json:"key"`
	Presses int    `json:"presses"`
}

// FullscreenDetails counts exits inside the forgiveness window.
type FullscreenDetails struct {
	Exits int `json:"exits"`
}

type SplitScreenDetails struct {
	ViewportWidth int `json:"viewport_width"`
	ScreenWidth   int `json:"screen_width"`
}

type InactivityDetails struct {
	IdleSeconds int `json:"idle_seconds"`
}

type FaceDetails struct {
	Faces int `json:"faces"`
}

type ClipboardDetails struct {
	Operation string `json:"operation"`
}

// FocusDetails covers the focus and tab events, which carry no extra context.
type FocusDetails struct {
	Kind EventType `json:"-"`
}

type FullscreenExitAttemptDetails struct{}

func (BlockedKeyDetails) detailsOf() EventType            { return EventBlockedKey }
func (FullscreenDetails) detailsOf() EventType            { return EventFullscreenLost }
func (SplitScreenDetails) detailsOf() EventType           { return EventSplitScreen }
func (InactivityDetails) detailsOf() EventType            { return EventInactivity }
func (ClipboardDetails) detailsOf() EventType             { return EventCopyPaste }
func (FullscreenExitAttemptDetails) detailsOf() EventType { return EventFullscreenExitAttempt }
func (d FocusDetails) detailsOf() EventType               { return d.Kind }
func (d FaceDetails) detailsOf() EventType {
	if d.Faces == 0 {
		return EventNoFaceDetected
	}
	return EventMultipleFaces
}

// NewDetails returns the zero Details value for t.
func NewDetails(t EventType) (Details, error) {
	switch t {
	case EventBlockedKey:
		return &BlockedKeyDetails{}, nil
	case EventFullscreenLost:
		return &FullscreenDetails{}, nil
	case EventFullscreenExitAttempt:
		return &FullscreenExitAttemptDetails{}, nil
	case EventVisibilityHidden, EventWindowBlur, EventTabSwitch, EventAltTab:
		return &FocusDetails{Kind: t}, nil
	case EventSplitScreen:
		return &SplitScreenDetails{}, nil
	case EventInactivity:
		return &InactivityDetails{}, nil
	case EventMultipleFaces, EventNoFaceDetected:
		return &FaceDetails{}, nil
	case EventCopyPaste:
		return &ClipboardDetails{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, string(t))
}

// DecodeDetails parses raw into the Details type belonging to t.
// Empty input yields the zero value.
func DecodeDetails(t EventType, raw json.RawMessage) (Details, error) {
	d, err := NewDetails(t)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, d); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", t, err)
		}
	}
	return deref(d), nil
}

func deref(d Details) Details {
	switch v := d.(type) {
	case *BlockedKeyDetails:
		return *v
	case *FullscreenDetails:
		return *v
	case *FullscreenExitAttemptDetails:
		return *v
	case *FocusDetails:
		return *v
	case *SplitScreenDetails:
		return *v
	case *InactivityDetails:
		return *v
	case *FaceDetails:
		return *v
	case *ClipboardDetails:
		return *v
	}
	return d
}

// ViolationEvent is one accepted anti-cheating signal.
type ViolationEvent struct {
	ID             uuid.UUID
	AttemptID      uuid.UUID
	ExamID         uuid.UUID
	Type           EventType
	Severity       Severity
	DetectedAt     time.Time
	ViolationCount int
	Details        Details
}

type violationEventJSON struct {
	ID             uuid.UUID       `json:"event_id"`
	AttemptID      uuid.UUID       `json:"attempt_id"`
	ExamID         uuid.UUID       `json:"exam_id"`
	Type           EventType       `json:"event_type"`
	Severity       Severity        `json:"severity"`
	DetectedAt     time.Time       `json:"detected_at"`
	ViolationCount int             `json:"violation_count"`
	Details        json.RawMessage `json:"details"`
}

func (e ViolationEvent) MarshalJSON() ([]byte, error) {
	details := json.RawMessage("{}")
	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return nil, err
		}
		details = raw
	}
	return json.Marshal(violationEventJSON{
		ID:             e.ID,
		AttemptID:      e.AttemptID,
		ExamID:         e.ExamID,
		Type:           e.Type,
		Severity:       e.Severity,
		DetectedAt:     e.DetectedAt,
		ViolationCount: e.ViolationCount,
		Details:        details,
	})
}

func (e *ViolationEvent) UnmarshalJSON(data []byte) error {
	var raw violationEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	details, err := DecodeDetails(raw.Type, raw.Details)
	if err != nil {
		return err
	}
	*e = ViolationEvent{
		ID:             raw.ID,
		AttemptID:      raw.AttemptID,
		ExamID:         raw.ExamID,
		Type:           raw.Type,
		Severity:       raw.Severity,
		DetectedAt:     raw.DetectedAt,
		ViolationCount: raw.ViolationCount,
		Details:        details,
	}
	return nil
}

// StoredViolation is a persisted violation row as listed to instructors.
type StoredViolation struct {
	ID             uuid.UUID       `json:"event_id"`
	AttemptID      uuid.UUID       `json:"attempt_id"`
	ExamID         uuid.UUID       `json:"exam_id"`
	StudentID      int             `json:"student_id"`
	StudentName    string          `json:"student_name"`
	Type           EventType       `json:"event_type"`
	Severity       Severity        `json:"severity"`
	DetectedAt     time.Time       `json:"detected_at"`
	ViolationCount int             `json:"violation_count"`
	Late           bool            `json:"late"`
	Details        json.RawMessage `json:"details"`
	ReceivedAt     time.Time       `json:"received_at"`
}
