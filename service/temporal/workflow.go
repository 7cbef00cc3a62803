package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// RefreshTokenActivityWorkflow refreshes the activity history of a watched
// mint. It is triggered by a per-mint Temporal schedule.
//
// The workflow performs these steps:
// 1. Query the full activity timeline (QueryToken activity)
// 2. Store events, keeping track of new ones (SaveEvents activity)
// 3. Publish new events to NATS (PublishEvents activity)
// 4. Record the refresh on the watch (MarkRefreshed activity)
func RefreshTokenActivityWorkflow(ctx workflow.Context, input RefreshInput) (*RefreshResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("RefreshTokenActivityWorkflow started", "mint", input.Mint)

	startedAt := workflow.Now(ctx)
	result := &RefreshResult{
		Mint:        input.Mint,
		RefreshTime: startedAt,
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 300 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var queryResult *QueryTokenResult
	err := workflow.ExecuteActivity(ctx, a.QueryToken, QueryTokenInput{Mint: input.Mint}).Get(ctx, &queryResult)
	if err != nil {
		errMsg := fmt.Sprintf("failed to query token: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to query token: %w", err)
	}

	events := queryResult.Result.Events
	result.EventCount = len(events)
	result.Incomplete = queryResult.Result.Incomplete

	if len(events) > 0 {
		var saveResult *SaveEventsResult
		err = workflow.ExecuteActivity(ctx, a.SaveEvents, SaveEventsInput{
			Mint:   input.Mint,
			Events: events,
		}).Get(ctx, &saveResult)
		if err != nil {
			errMsg := fmt.Sprintf("failed to save events: %v", err)
			result.Error = &errMsg
			return result, fmt.Errorf("failed to save events: %w", err)
		}
		result.NewEvents = len(saveResult.Inserted)

		if len(saveResult.Inserted) > 0 {
			var publishResult *PublishEventsResult
			err = workflow.ExecuteActivity(ctx, a.PublishEvents, PublishEventsInput{
				Mint:           input.Mint,
				Events:         saveResult.Inserted,
				ReferencePrice: queryResult.Result.ReferencePrice.String(),
			}).Get(ctx, &publishResult)
			if err != nil {
				// Events are already stored; publishing is best-effort.
				logger.Warn("failed to publish events", "mint", input.Mint, "error", err)
			} else {
				result.Published = publishResult.Published
			}
		}
	}

	err = workflow.ExecuteActivity(ctx, a.MarkRefreshed, MarkRefreshedInput{
		Mint:       input.Mint,
		EventCount: result.EventCount,
		StartedAt:  startedAt,
		RefreshAt:  workflow.Now(ctx),
	}).Get(ctx, nil)
	if err != nil {
		errMsg := fmt.Sprintf("failed to mark watch refreshed: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to mark watch refreshed: %w", err)
	}

	logger.Info("RefreshTokenActivityWorkflow completed successfully",
		"mint", input.Mint,
		"event_count", result.EventCount,
		"new_events", result.NewEvents,
		"published", result.Published,
	)
	return result, nil
}
