package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/mintscope/service/metrics"
	"github.com/brojonat/mintscope/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// FailureRecorder persists classification failures for offline analysis.
type FailureRecorder interface {
	RecordClassificationFailures(ctx context.Context, mint string, failures []*ClassificationFailure) error
}

// Config tunes the query pipeline.
type Config struct {
	// MarketplaceProgram is the program whose instructions are treated as
	// marketplace actions. Empty selects Magic Eden v1.
	MarketplaceProgram string
	// Concurrency bounds concurrent token-account signature lookups.
	Concurrency int
}

// Service answers token activity queries. It keeps no state between queries
// and is safe for concurrent use.
type Service struct {
	aggregator *Aggregator
	fetcher    *Fetcher
	classifier *Classifier
	assembler  *Assembler
	recorder   FailureRecorder
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// ServiceOption configures optional Service collaborators.
type ServiceOption func(*Service)

// WithFailureRecorder records every classification failure of a query.
func WithFailureRecorder(r FailureRecorder) ServiceOption {
	return func(s *Service) {
		s.recorder = r
	}
}

func NewService(ledger Ledger, quoter PriceQuoter, cfg Config, logger *slog.Logger, m *metrics.Metrics, opts ...ServiceOption) *Service {
	s := &Service{
		aggregator: NewAggregator(ledger, cfg.Concurrency, logger, m),
		fetcher:    NewFetcher(ledger, logger, m),
		classifier: NewClassifier(cfg.MarketplaceProgram),
		assembler:  NewAssembler(quoter),
		logger:     logger,
		metrics:    m,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueryToken builds the activity timeline of the NFT identified by mint. It
// never returns partial events on failure: any query-level error yields a
// Result with Failed set, no events and a reference price of -1.
func (s *Service) QueryToken(ctx context.Context, mint string) Result {
	start := time.Now()
	result, err := s.queryToken(ctx, mint)

	status := "success"
	switch {
	case err != nil:
		status = "failed"
		s.logger.ErrorContext(ctx, "token query failed",
			"mint", mint,
			"error", err,
		)
		result = failedResult(mint)
	case result.Incomplete:
		status = "incomplete"
	}
	if s.metrics != nil {
		s.metrics.RecordQuery(status, time.Since(start).Seconds())
	}
	return result
}

func (s *Service) queryToken(ctx context.Context, mint string) (Result, error) {
	if _, err := solanago.PublicKeyFromBase58(mint); err != nil {
		return Result{}, fmt.Errorf("invalid mint address %q: %w", mint, err)
	}

	discovery, err := s.aggregator.Discover(ctx, mint)
	if err != nil {
		return Result{}, err
	}

	additional, skippedSigs, err := s.fetcher.Fetch(ctx, discovery.AdditionalSignatures)
	if err != nil {
		return Result{}, err
	}

	txs := make([]*solana.Transaction, 0, len(discovery.SeedTransactions)+len(additional))
	txs = append(txs, discovery.SeedTransactions...)
	txs = append(txs, additional...)

	outcomes, failures := s.classifyAll(ctx, txs, mint)

	result, err := s.assembler.Assemble(ctx, mint, outcomes)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordPriceFetch("error")
		}
		return Result{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordPriceFetch("success")
	}
	// Failures of a voided query are not recorded.
	s.recordFailures(ctx, mint, failures)

	if len(discovery.SkippedAccounts) > 0 || len(skippedSigs) > 0 {
		result.Incomplete = true
		result.SkippedAccounts = discovery.SkippedAccounts
		result.SkippedSignatures = skippedSigs
	}

	s.logger.InfoContext(ctx, "token query complete",
		"mint", mint,
		"transactions", len(txs),
		"events", len(result.Events),
		"classification_failures", len(failures),
		"skipped_accounts", len(discovery.SkippedAccounts),
		"skipped_signatures", len(skippedSigs),
	)
	return result, nil
}

func (s *Service) classifyAll(ctx context.Context, txs []*solana.Transaction, mint string) ([]*Event, []*ClassificationFailure) {
	outcomes := make([]*Event, 0, len(txs))
	var failures []*ClassificationFailure
	for _, tx := range txs {
		ev, err := s.classifier.Classify(tx, mint)
		if err != nil {
			var failure *ClassificationFailure
			if !errors.As(err, &failure) {
				failure = &ClassificationFailure{Signature: tx.Signature, Detail: err.Error()}
			}
			s.logger.DebugContext(ctx, "transaction not classified",
				"mint", mint,
				"signature", tx.Signature,
				"reason", failure.Reason,
				"detail", failure.Detail,
			)
			if s.metrics != nil {
				s.metrics.RecordClassificationFailure(string(failure.Reason))
			}
			failures = append(failures, failure)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordEventClassified(string(ev.Type))
		}
		outcomes = append(outcomes, ev)
	}
	return outcomes, failures
}

func (s *Service) recordFailures(ctx context.Context, mint string, failures []*ClassificationFailure) {
	if s.recorder == nil || len(failures) == 0 {
		return
	}
	if err := s.recorder.RecordClassificationFailures(ctx, mint, failures); err != nil {
		s.logger.WarnContext(ctx, "failed to record classification failures",
			"mint", mint,
			"count", len(failures),
			"error", err,
		)
	}
}
