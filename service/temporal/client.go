package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// Scheduler manages the per-mint refresh schedules of watched tokens.
type Scheduler interface {
	// UpsertWatchSchedule creates the schedule for mint or updates its interval.
	UpsertWatchSchedule(ctx context.Context, mint string, interval time.Duration) error
	// DeleteWatchSchedule stops refreshing mint.
	DeleteWatchSchedule(ctx context.Context, mint string) error
	// TriggerWatchSchedule runs a refresh of mint right away.
	TriggerWatchSchedule(ctx context.Context, mint string) error
}

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal at %s: %w", host, err)
	}
	logger.Info("connected to temporal", "host", host, "namespace", namespace)

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

func (c *Client) createWatchSchedule(ctx context.Context, mint string, interval time.Duration) error {
	id := scheduleID(mint)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		// A slow refresh must not pile up behind itself.
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Action: &client.ScheduleWorkflowAction{
			ID:        "refresh-" + mint,
			Workflow:  RefreshTokenActivityWorkflow,
			TaskQueue: c.taskQueue,
			Args:      []interface{}{RefreshInput{Mint: mint}},
		},
		Memo: map[string]interface{}{
			"mint":       mint,
			"created_by": "mintscope",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"mint", mint,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("watch schedule created",
		"mint", mint,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// UpsertWatchSchedule creates or updates the refresh schedule of a mint.
// If the schedule already exists, it updates the interval.
func (c *Client) UpsertWatchSchedule(ctx context.Context, mint string, interval time.Duration) error {
	id := scheduleID(mint)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.createWatchSchedule(ctx, mint, interval)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"mint", mint,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("watch schedule updated",
		"mint", mint,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// DeleteWatchSchedule deletes the refresh schedule of a mint.
func (c *Client) DeleteWatchSchedule(ctx context.Context, mint string) error {
	id := scheduleID(mint)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"mint", mint,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("watch schedule deleted", "mint", mint, "schedule_id", id)
	return nil
}

// TriggerWatchSchedule starts an immediate run of the mint's schedule.
func (c *Client) TriggerWatchSchedule(ctx context.Context, mint string) error {
	id := scheduleID(mint)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Trigger(ctx, client.ScheduleTriggerOptions{}); err != nil {
		return fmt.Errorf("failed to trigger schedule %q: %w", id, err)
	}

	c.logger.Debug("watch schedule triggered", "mint", mint, "schedule_id", id)
	return nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// scheduleID returns the schedule ID for a watched mint.
func scheduleID(mint string) string {
	return "refresh-token-" + mint
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
