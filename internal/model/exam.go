package model

import (
	"time"

	"github.com/google/uuid"
)

// Exam is the slice of an exam the proctoring core needs: ownership, window and size.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	InstructorID    int        `json:"instructor_id"`
	StartsAt        *time.Time `json:"starts_at,omitempty"`
	EndsAt          *time.Time `json:"ends_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	QuestionCount   int        `json:"question_count"`
	CreatedAt       time.Time  `json:"created_at"`
}

// WindowOpen reports whether now falls inside the exam's scheduled window.
// A missing bound is treated as open on that side.
func (e *Exam) WindowOpen(now time.Time) bool {
	if e.StartsAt != nil && now.Before(*e.StartsAt) {
		return false
	}
	if e.EndsAt != nil && now.After(*e.EndsAt) {
		return false
	}
	return true
}

// ExamSummary is returned to instructors listing the exams they own.
type ExamSummary struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
}
