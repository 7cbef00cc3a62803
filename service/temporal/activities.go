package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/mintscope/service/activity"
	"github.com/brojonat/mintscope/service/metrics"
	natspkg "github.com/brojonat/mintscope/service/nats"
)

// RefreshInput is the input of RefreshTokenActivityWorkflow.
type RefreshInput struct {
	Mint string `json:"mint"`
}

// RefreshResult summarizes one refresh of a watched mint.
type RefreshResult struct {
	Mint        string    `json:"mint"`
	EventCount  int       `json:"event_count"`
	NewEvents   int       `json:"new_events"`
	Published   int       `json:"published"`
	Incomplete  bool      `json:"incomplete"`
	RefreshTime time.Time `json:"refresh_time"`
	Error       *string   `json:"error,omitempty"`
}

// QueryTokenInput contains parameters for the QueryToken activity.
type QueryTokenInput struct {
	Mint string `json:"mint"`
}

// QueryTokenResult wraps the activity timeline of a mint.
type QueryTokenResult struct {
	Result activity.Result `json:"result"`
}

// SaveEventsInput contains parameters for the SaveEvents activity.
type SaveEventsInput struct {
	Mint   string           `json:"mint"`
	Events []activity.Event `json:"events"`
}

// SaveEventsResult contains the events that were not stored before.
type SaveEventsResult struct {
	Inserted []activity.Event `json:"inserted"`
	Skipped  int              `json:"skipped"` // Already existed in DB
}

// PublishEventsInput contains parameters for the PublishEvents activity.
type PublishEventsInput struct {
	Mint           string           `json:"mint"`
	Events         []activity.Event `json:"events"`
	ReferencePrice string           `json:"reference_price"`
}

// PublishEventsResult contains the number of events published.
type PublishEventsResult struct {
	Published int `json:"published"`
}

// MarkRefreshedInput contains parameters for the MarkRefreshed activity.
type MarkRefreshedInput struct {
	Mint       string    `json:"mint"`
	EventCount int       `json:"event_count"`
	StartedAt  time.Time `json:"started_at"`
	RefreshAt  time.Time `json:"refresh_at"`
}

// QueryServiceInterface answers token activity queries.
type QueryServiceInterface interface {
	QueryToken(ctx context.Context, mint string) activity.Result
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	SaveEvents(ctx context.Context, mint string, events []activity.Event) ([]activity.Event, error)
	MarkWatchRefreshed(ctx context.Context, mint string, at time.Time, eventCount int) error
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishEvents(ctx context.Context, events []*natspkg.ActivityEvent) (int, error)
}

// Activities holds the dependencies needed by Temporal activities.
// All dependencies are explicit; publisher may be nil.
type Activities struct {
	query     QueryServiceInterface
	store     StoreInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	query QueryServiceInterface,
	store StoreInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		query:     query,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// QueryToken runs a full activity query for the mint. A failed query is
// returned as an error so Temporal retries it.
func (a *Activities) QueryToken(ctx context.Context, input QueryTokenInput) (*QueryTokenResult, error) {
	a.logger.DebugContext(ctx, "querying token activity", "mint", input.Mint)

	result := a.query.QueryToken(ctx, input.Mint)
	if result.Failed {
		return nil, fmt.Errorf("token query failed for %s", input.Mint)
	}

	a.logger.InfoContext(ctx, "queried token activity",
		"mint", input.Mint,
		"event_count", len(result.Events),
		"incomplete", result.Incomplete,
	)
	return &QueryTokenResult{Result: result}, nil
}

// SaveEvents stores the events and reports which ones are new.
func (a *Activities) SaveEvents(ctx context.Context, input SaveEventsInput) (*SaveEventsResult, error) {
	inserted, err := a.store.SaveEvents(ctx, input.Mint, input.Events)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to save events",
			"mint", input.Mint,
			"count", len(input.Events),
			"error", err,
		)
		return nil, fmt.Errorf("failed to save events: %w", err)
	}

	a.logger.DebugContext(ctx, "saved events",
		"mint", input.Mint,
		"inserted", len(inserted),
		"skipped", len(input.Events)-len(inserted),
	)
	return &SaveEventsResult{
		Inserted: inserted,
		Skipped:  len(input.Events) - len(inserted),
	}, nil
}

// PublishEvents publishes events to NATS. Without a publisher it is a no-op.
func (a *Activities) PublishEvents(ctx context.Context, input PublishEventsInput) (*PublishEventsResult, error) {
	if a.publisher == nil || len(input.Events) == 0 {
		return &PublishEventsResult{}, nil
	}

	events := make([]*natspkg.ActivityEvent, 0, len(input.Events))
	for _, ev := range input.Events {
		events = append(events, natspkg.FromEvent(input.Mint, ev, input.ReferencePrice))
	}

	published, err := a.publisher.PublishEvents(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("failed to publish events: %w", err)
	}
	if published < len(events) {
		a.logger.WarnContext(ctx, "some events were not published",
			"mint", input.Mint,
			"published", published,
			"total", len(events),
		)
	}
	return &PublishEventsResult{Published: published}, nil
}

// MarkRefreshed records the refresh on the watch and the refresh duration.
func (a *Activities) MarkRefreshed(ctx context.Context, input MarkRefreshedInput) error {
	err := a.store.MarkWatchRefreshed(ctx, input.Mint, input.RefreshAt, input.EventCount)
	if a.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		a.metrics.RecordRefreshWorkflow(status, input.RefreshAt.Sub(input.StartedAt).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to mark watch refreshed: %w", err)
	}
	return nil
}
