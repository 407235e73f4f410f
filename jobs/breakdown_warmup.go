package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/fee-engine/internal/fees"
	jobmetrics "github.com/odyssey-erp/fee-engine/internal/jobs"
)

const warmupJobName = "fees_breakdown_warmup"

const (
	warmupConcurrency    = 4
	warmupStudentTimeout = 20 * time.Second
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SnapshotWarmer loads student snapshots into the cache.
type SnapshotWarmer interface {
	Warm(ctx context.Context, ref fees.StudentRef, refresh bool) error
}

// BreakdownWarmupJob preloads the snapshots of a batch of students so the
// first breakdown request of the day does not wait on the fee API.
type BreakdownWarmupJob struct {
	Warmer  SnapshotWarmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBreakdownWarmupJob wires dependencies for the warmup handler.
func NewBreakdownWarmupJob(warmer SnapshotWarmer, logger *slog.Logger, metrics *jobmetrics.Metrics) *BreakdownWarmupJob {
	return &BreakdownWarmupJob{Warmer: warmer, Logger: logger, Metrics: metrics}
}

// Handle processes warmup tasks. Individual student failures are logged; the
// task only fails when no student could be warmed.
func (j *BreakdownWarmupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Warmer == nil {
		return errors.New("breakdown warmup: handler not configured")
	}
	var payload BreakdownWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("breakdown warmup: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(warmupJobName)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("school_id", payload.SchoolID))
	logger.Info("starting breakdown warmup", slog.Int("students", len(payload.StudentIDs)))
	start := time.Now()

	var warmed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmupConcurrency)
	seen := make(map[int64]struct{}, len(payload.StudentIDs))
	for _, studentID := range payload.StudentIDs {
		if _, dup := seen[studentID]; dup || studentID <= 0 {
			continue
		}
		seen[studentID] = struct{}{}
		studentID := studentID
		g.Go(func() error {
			studentCtx, cancel := context.WithTimeout(gctx, warmupStudentTimeout)
			defer cancel()
			ref := fees.StudentRef{SchoolID: payload.SchoolID, StudentID: studentID}
			if err := j.Warmer.Warm(studentCtx, ref, payload.Refresh); err != nil {
				failed.Add(1)
				logger.Warn("warmup snapshot failed", slog.Int64("student_id", studentID), slog.Any("error", err))
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	j.metrics().AddWarmed(payload.SchoolID, "ok", int(warmed.Load()))
	j.metrics().AddWarmed(payload.SchoolID, "error", int(failed.Load()))
	logger.Info("completed breakdown warmup",
		slog.Int64("warmed", warmed.Load()),
		slog.Int64("failed", failed.Load()),
		slog.Duration("duration", time.Since(start)))

	if warmed.Load() == 0 && failed.Load() > 0 {
		return fmt.Errorf("breakdown warmup: all %d students failed", failed.Load())
	}
	return nil
}

func (j *BreakdownWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskFeesBreakdownWarmup))
	}
	return slog.Default().With(slog.String("job", TaskFeesBreakdownWarmup))
}

func (j *BreakdownWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
