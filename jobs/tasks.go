package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueFees is the queue every fee task runs on.
	QueueFees = "fees"
	// TaskFeesBreakdownWarmup preloads student snapshots into the cache.
	TaskFeesBreakdownWarmup = "fees:breakdown_warmup"
	// TaskIdempotencyCleanup prunes expired payment idempotency keys.
	TaskIdempotencyCleanup = "fees:idempotency_cleanup"
)

// maxWarmupStudents bounds a single warmup task.
const maxWarmupStudents = 500

// BreakdownWarmupPayload lists the students of one school to warm.
type BreakdownWarmupPayload struct {
	SchoolID   int64   `json:"school_id"`
	StudentIDs []int64 `json:"student_ids"`
	Refresh    bool    `json:"refresh,omitempty"`
}

// Validate rejects payloads the warmup job cannot process.
func (p BreakdownWarmupPayload) Validate() error {
	if p.SchoolID <= 0 {
		return errors.New("warmup: school_id required")
	}
	if len(p.StudentIDs) == 0 {
		return errors.New("warmup: student_ids required")
	}
	if len(p.StudentIDs) > maxWarmupStudents {
		return errors.New("warmup: too many students in one task")
	}
	return nil
}

// NewBreakdownWarmupTask constructs a warmup task.
func NewBreakdownWarmupTask(payload BreakdownWarmupPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFeesBreakdownWarmup, data, asynq.MaxRetry(3), asynq.Timeout(10*time.Minute)), nil
}

// IdempotencyCleanupPayload configures key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// Retention returns the retention window, defaulting to 30 days.
func (p IdempotencyCleanupPayload) Retention() time.Duration {
	if p.RetentionHours <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(p.RetentionHours) * time.Hour
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.MaxRetry(1)), nil
}
