package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptAnswersKey returns the hash holding an attempt's saved answers (question_id -> answer).
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:answers", attemptID)
}

// RelayedEventKey marks a violation event as already fanned out to instructors.
func (r *CacheKeyStruct) RelayedEventKey(eventID string) string {
	return fmt.Sprintf("relay:event:%s", eventID)
}

// ExamActiveSubmissionsKey returns the hash of in-progress registrations for an exam (attempt_id -> json).
func (r *CacheKeyStruct) ExamActiveSubmissionsKey(examID string) string {
	return fmt.Sprintf("exam:%s:active", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// ExamMonitorPattern matches every exam monitor channel.
func (r *CacheKeyStruct) ExamMonitorPattern() string {
	return "exam:*:monitor"
}

var CacheKey = NewCacheKeyStruct()
