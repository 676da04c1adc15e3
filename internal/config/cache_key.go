package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key holding the JTI of a student's
// single active login session.
func (r *CacheKeyStruct) StudentSessionKey(studentID string) string {
	return fmt.Sprintf("login:%s", studentID)
}

// AttemptAnchorKey returns the cache key for an attempt's countdown anchor
// (started_at + duration). The anchor is the single source of truth for
// remaining time; it is never decremented in place.
func (r *CacheKeyStruct) AttemptAnchorKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:anchor", attemptID)
}

// AttemptAnswersKey returns the cache key for an attempt's autosaved answers.
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:answers", attemptID)
}

// AttemptReviewKey returns the cache key for an attempt's marked-for-review set.
func (r *CacheKeyStruct) AttemptReviewKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:review", attemptID)
}

// AttemptViolationsKey returns the cache key for an attempt's violation counter.
func (r *CacheKeyStruct) AttemptViolationsKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:violations", attemptID)
}

// ExamPayloadKey returns the cache key for an exam's student-facing payload.
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam's
// live proctor feed.
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
