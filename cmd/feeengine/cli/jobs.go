package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fee-engine/jobs"
)

// Enqueuer submits fee engine tasks.
type Enqueuer interface {
	EnqueueBreakdownWarmup(ctx context.Context, payload jobs.BreakdownWarmupPayload) (*asynq.TaskInfo, error)
	EnqueueIdempotencyCleanup(ctx context.Context, payload jobs.IdempotencyCleanupPayload) (*asynq.TaskInfo, error)
	Close() error
}

// QueueInspector reads queue state.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector QueueInspector
}

// NewJobsCLI initialises the CLI helpers against the queue's Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) (*JobsCLI, error) {
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

// newJobsCLI is used by tests to inject fakes.
func newJobsCLI(client Enqueuer, inspector QueueInspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Run dispatches a jobs subcommand and returns the process exit code.
func (c *JobsCLI) Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	var err error
	switch args[0] {
	case "trigger-warmup":
		err = c.triggerWarmup(ctx, args[1:], stdout, stderr)
	case "cleanup-keys":
		err = c.cleanupKeys(ctx, args[1:], stdout, stderr)
	case "queue":
		err = c.queue(stdout)
	default:
		printUsage(stderr)
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs %s: %v\n", args[0], err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

var errUsage = errors.New("invalid arguments")

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: feeengine jobs <trigger-warmup|cleanup-keys|queue> [flags]")
}

func (c *JobsCLI) triggerWarmup(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("trigger-warmup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	school := fs.Int64("school", 0, "school id")
	students := fs.String("students", "", "comma separated student ids")
	refresh := fs.Bool("refresh", false, "drop cached snapshots before warming")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	ids, err := ParseIDs(*students)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	payload := jobs.BreakdownWarmupPayload{SchoolID: *school, StudentIDs: ids, Refresh: *refresh}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if c == nil || c.client == nil {
		return errors.New("client not configured")
	}
	info, err := c.client.EnqueueBreakdownWarmup(ctx, payload)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s students=%d\n", jobs.TaskFeesBreakdownWarmup, info.ID, len(ids))
	return nil
}

func (c *JobsCLI) cleanupKeys(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("cleanup-keys", flag.ContinueOnError)
	fs.SetOutput(stderr)
	hours := fs.Int("retention-hours", 0, "keep keys newer than this many hours (default 720)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *hours < 0 {
		return fmt.Errorf("%w: retention-hours must not be negative", errUsage)
	}
	if c == nil || c.client == nil {
		return errors.New("client not configured")
	}
	info, err := c.client.EnqueueIdempotencyCleanup(ctx, jobs.IdempotencyCleanupPayload{RetentionHours: *hours})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s\n", jobs.TaskIdempotencyCleanup, info.ID)
	return nil
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueue reports the depth of the fees queue.
func (c *JobsCLI) InspectQueue() (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueFees)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueFees}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}

func (c *JobsCLI) queue(stdout io.Writer) error {
	stats, err := c.InspectQueue()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	return nil
}

// ParseIDs parses a comma separated list of positive ids.
func ParseIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("no ids given")
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("no ids given")
	}
	return ids, nil
}
