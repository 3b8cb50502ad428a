package model

// Permission is an RBAC permission code embedded in instructor tokens.
type Permission string

const (
	// PermissionExamsMonitor allows joining exam rooms and reading live proctoring data.
	PermissionExamsMonitor Permission = "exams:monitor"
)
