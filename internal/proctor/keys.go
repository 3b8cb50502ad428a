package proctor

import (
	"strings"
	"unicode/utf8"
)

var monitoredKeys = map[string]struct{}{
	"Escape":       {},
	"F3":           {},
	"F4":           {},
	"F5":           {},
	"F11":          {},
	"F12":          {},
	"Tab":          {},
	"PrintScreen":  {},
	"Ctrl+R":       {},
	"Ctrl+C":       {},
	"Ctrl+Shift+I": {},
	"Ctrl+Shift+J": {},
	"Alt+Tab":      {},
	"Alt+F4":       {},
}

// KeyIdentity renders k as "Ctrl+Shift+Alt+Key". Single-character keys are upper-cased
// so "r" with Ctrl held matches "Ctrl+R".
func KeyIdentity(k KeyDown) string {
	key := k.Key
	if utf8.RuneCountInString(key) == 1 {
		key = strings.ToUpper(key)
	}

	var b strings.Builder
	if k.Ctrl && key != "Control" {
		b.WriteString("Ctrl+")
	}
	if k.Shift && key != "Shift" {
		b.WriteString("Shift+")
	}
	if k.Alt && key != "Alt" {
		b.WriteString("Alt+")
	}
	b.WriteString(key)
	return b.String()
}

// MonitoredIdentity returns the offense identity for k when k is monitored.
// A combination with no entry of its own falls back to its bare key, so Shift+Tab counts as Tab.
func MonitoredIdentity(k KeyDown) (string, bool) {
	id := KeyIdentity(k)
	if _, ok := monitoredKeys[id]; ok {
		return id, true
	}
	bare := KeyIdentity(KeyDown{Key: k.Key})
	if _, ok := monitoredKeys[bare]; ok {
		return bare, true
	}
	return "", false
}
