package proctor

import (
	"encoding/json"
	"fmt"
)

// Signal is a raw, unclassified sensor observation.
type Signal interface {
	isSignal()
}

// KeyDown carries a key identity as reported by the platform ("Escape", "F11", "r") and the active modifiers.
type KeyDown struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl"`
	Shift bool   `json:"shift"`
	Alt   bool   `json:"alt"`
}

type WindowBlur struct{}

type WindowFocus struct{}

type VisibilityChange struct {
	Hidden bool `json:"hidden"`
}

type FullscreenChange struct {
	Active bool `json:"active"`
}

// ViewportSample is one periodic viewport measurement.
type ViewportSample struct {
	Width            int  `json:"width"`
	ScreenWidth      int  `json:"screen_width"`
	TextInputFocused bool `json:"text_input_focused"`
}

// Interaction is pointer movement, click or scroll activity.
type Interaction struct {
	Kind string `json:"kind"`
}

type ContextMenu struct{}

type Clipboard struct {
	Operation string `json:"operation"`
}

// TabSwitch is an explicit tab-change gesture.
type TabSwitch struct{}

// AppSwitch is an OS-level application switch.
type AppSwitch struct{}

// CameraFrame comes from the external face detector.
type CameraFrame struct {
	Faces int `json:"faces"`
}

// FullscreenExitAttempt is an exit blocked while the exam is still preparing.
type FullscreenExitAttempt struct{}

func (KeyDown) isSignal()               {}
func (WindowBlur) isSignal()            {}
func (WindowFocus) isSignal()           {}
func (VisibilityChange) isSignal()      {}
func (FullscreenChange) isSignal()      {}
func (ViewportSample) isSignal()        {}
func (Interaction) isSignal()           {}
func (ContextMenu) isSignal()           {}
func (Clipboard) isSignal()             {}
func (TabSwitch) isSignal()             {}
func (AppSwitch) isSignal()             {}
func (CameraFrame) isSignal()           {}
func (FullscreenExitAttempt) isSignal() {}

// DecodeSignal parses one JSON signal of the form {"type": "key_down", ...fields}.
func DecodeSignal(raw []byte) (Signal, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}

	var sig Signal
	switch head.Type {
	case "key_down":
		sig = &KeyDown{}
	case "window_blur":
		return WindowBlur{}, nil
	case "window_focus":
		return WindowFocus{}, nil
	case "visibility":
		sig = &VisibilityChange{}
	case "fullscreen":
		sig = &FullscreenChange{}
	case "viewport":
		sig = &ViewportSample{}
	case "interaction":
		sig = &Interaction{}
	case "context_menu":
		return ContextMenu{}, nil
	case "clipboard":
		sig = &Clipboard{}
	case "tab_switch":
		return TabSwitch{}, nil
	case "app_switch":
		return AppSwitch{}, nil
	case "camera":
		sig = &CameraFrame{}
	case "fullscreen_exit_attempt":
		return FullscreenExitAttempt{}, nil
	default:
		return nil, fmt.Errorf("decode signal: unknown type %q", head.Type)
	}

	if err := json.Unmarshal(raw, sig); err != nil {
		return nil, fmt.Errorf("decode %s signal: %w", head.Type, err)
	}

	switch v := sig.(type) {
	case *KeyDown:
		return *v, nil
	case *VisibilityChange:
		return *v, nil
	case *FullscreenChange:
		return *v, nil
	case *ViewportSample:
		return *v, nil
	case *Interaction:
		return *v, nil
	case *Clipboard:
		return *v, nil
	case *CameraFrame:
		return *v, nil
	}
	return sig, nil
}
