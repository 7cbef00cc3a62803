package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/mintscope/service/metrics"
	"github.com/brojonat/mintscope/service/solana"
)

// Fetcher resolves signatures to transactions. Signatures must already be
// unique; pruned records are dropped.
type Fetcher struct {
	ledger  Ledger
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewFetcher(ledger Ledger, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	return &Fetcher{ledger: ledger, logger: logger, metrics: m}
}

// Fetch returns the transactions for signatures with absent records removed,
// plus the signatures that could not be fetched after retries. When none of
// the signatures could be fetched the ledger is treated as unreachable and
// an error is returned.
func (f *Fetcher) Fetch(ctx context.Context, signatures []string) ([]*solana.Transaction, []string, error) {
	if len(signatures) == 0 {
		return nil, nil, nil
	}

	var skipped []string
	fetched, err := f.ledger.GetTransactions(ctx, signatures)
	if err != nil {
		var fetchErr *solana.FetchError
		if !errors.As(err, &fetchErr) || fetchErr.All() {
			return nil, nil, fmt.Errorf("get token account transactions: %w", err)
		}
		skipped = fetchErr.Signatures
	}

	txs := compact(fetched)
	missing := len(fetched) - len(txs) - len(skipped)
	if missing > 0 {
		f.logger.DebugContext(ctx, "dropped unavailable transactions",
			"requested", len(signatures),
			"missing", missing,
		)
	}
	if f.metrics != nil {
		f.metrics.RecordTransactionsFetched("token_account", "success", len(txs))
		f.metrics.RecordTransactionsFetched("token_account", "missing", missing)
		f.metrics.RecordTransactionsFetched("token_account", "error", len(skipped))
	}
	return txs, skipped, nil
}
