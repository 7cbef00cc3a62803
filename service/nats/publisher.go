package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/mintscope/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes activity events.
type Publisher interface {
	// PublishEvent publishes a single event to "activity.{mint}".
	PublishEvent(ctx context.Context, event *ActivityEvent) error

	// PublishEvents publishes events in order. It keeps going past individual
	// failures and returns the number published.
	PublishEvents(ctx context.Context, events []*ActivityEvent) (int, error)

	Close() error
}

const (
	// StreamName is the name of the JetStream stream for activity events.
	StreamName = "NFT_ACTIVITY"

	// SubjectPrefix prefixes every event subject; the mint follows.
	SubjectPrefix = "activity."

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + "*"

	// StreamRetention is how long messages are retained.
	StreamRetention = 30 * 24 * time.Hour

	// duplicateWindow lets JetStream drop re-publishes of the same event.
	duplicateWindow = 24 * time.Hour
)

// JetStreamPublisher publishes activity events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPublisher connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, logger *slog.Logger, m *metrics.Metrics) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("mintscope-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, logger: logger, metrics: m}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := EnsureStream(ctx, js, logger); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)
	return p, nil
}

// EnsureStream creates the activity stream if it doesn't exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	logger.Info("creating JetStream stream", "stream", StreamName)
	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Classified NFT activity events",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  duplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishEvent publishes a single event. The message id is the mint and
// signature, so repeated refreshes do not duplicate events in the stream.
func (p *JetStreamPublisher) PublishEvent(ctx context.Context, event *ActivityEvent) error {
	subject := Subject(event.Mint)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal activity event: %w", err)
	}

	start := time.Now()
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.Mint+":"+event.Signature))
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(StreamSubjects, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish activity event: %w", err)
	}

	p.logger.DebugContext(ctx, "published activity event",
		"subject", subject,
		"signature", event.Signature,
		"event_type", event.EventType,
	)
	return nil
}

// PublishEvents publishes events one by one, logging and skipping failures.
func (p *JetStreamPublisher) PublishEvents(ctx context.Context, events []*ActivityEvent) (int, error) {
	published := 0
	for _, event := range events {
		if err := p.PublishEvent(ctx, event); err != nil {
			if ctx.Err() != nil {
				return published, ctx.Err()
			}
			p.logger.ErrorContext(ctx, "failed to publish activity event in batch",
				"signature", event.Signature,
				"mint", event.Mint,
				"error", err,
			)
			continue
		}
		published++
	}
	return published, nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
