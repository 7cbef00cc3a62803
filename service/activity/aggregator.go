package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brojonat/mintscope/service/metrics"
	"github.com/brojonat/mintscope/service/solana"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

// Ledger is the read-only view of the chain the pipeline needs.
// GetTransactions must return a slice aligned with signatures, with nil for
// records the node could not serve. Signatures that failed for a reason other
// than pruning are reported with a *solana.FetchError next to the slice.
type Ledger interface {
	GetSignatures(ctx context.Context, address string) ([]solana.SignatureInfo, error)
	GetTransactions(ctx context.Context, signatures []string) ([]*solana.Transaction, error)
}

// SignatureSet is a union-only set of transaction signatures, safe for
// concurrent use.
type SignatureSet struct {
	mu    sync.Mutex
	order []string
	seen  map[string]struct{}
}

func NewSignatureSet() *SignatureSet {
	return &SignatureSet{seen: make(map[string]struct{})}
}

// Add inserts sig and reports whether it was not already present.
func (s *SignatureSet) Add(sig string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[sig]; ok {
		return false
	}
	s.seen[sig] = struct{}{}
	s.order = append(s.order, sig)
	return true
}

func (s *SignatureSet) Contains(sig string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[sig]
	return ok
}

func (s *SignatureSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Slice returns a snapshot of the set in insertion order.
func (s *SignatureSet) Slice() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Discovery is everything the aggregator learned about a mint.
type Discovery struct {
	// SeedTransactions are the fetched transactions that touch the mint
	// account itself.
	SeedTransactions []*solana.Transaction
	// TokenAccounts are the accounts that held the token at some point.
	TokenAccounts []string
	// AdditionalSignatures touch a token account but not the mint account.
	AdditionalSignatures []string
	// SkippedAccounts are token accounts whose history could not be read.
	SkippedAccounts []string
}

// Aggregator discovers every signature relevant to a mint.
type Aggregator struct {
	ledger      Ledger
	logger      *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
}

func NewAggregator(ledger Ledger, concurrency int, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Aggregator{
		ledger:      ledger,
		logger:      logger,
		metrics:     m,
		concurrency: concurrency,
	}
}

// Discover collects the mint's own history, derives its token accounts from
// the seed transactions and gathers their signatures. Errors reading the mint
// history or any of its transactions are returned, since a missing seed
// transaction can hide a token account; errors reading a token account are
// recorded in SkippedAccounts.
func (a *Aggregator) Discover(ctx context.Context, mint string) (*Discovery, error) {
	seedInfos, err := a.ledger.GetSignatures(ctx, mint)
	if err != nil {
		return nil, fmt.Errorf("get mint signatures: %w", err)
	}

	seeds := NewSignatureSet()
	for _, info := range seedInfos {
		seeds.Add(info.Signature)
	}

	fetched, err := a.ledger.GetTransactions(ctx, seeds.Slice())
	if err != nil {
		return nil, fmt.Errorf("get mint transactions: %w", err)
	}
	seedTxs := compact(fetched)
	if a.metrics != nil {
		a.metrics.RecordTransactionsFetched("seed", "success", len(seedTxs))
		a.metrics.RecordTransactionsFetched("seed", "missing", len(fetched)-len(seedTxs))
	}

	accounts := tokenAccounts(seedTxs, mint)
	if a.metrics != nil {
		a.metrics.RecordTokenAccountsDiscovered(len(accounts))
	}
	a.logger.DebugContext(ctx, "discovered token accounts",
		"mint", mint,
		"seed_signatures", seeds.Len(),
		"token_accounts", len(accounts),
	)

	additional := NewSignatureSet()
	var (
		mu      sync.Mutex
		skipped []string
	)

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for _, account := range accounts {
		g.Go(func() error {
			infos, err := a.ledger.GetSignatures(ctx, account)
			if err != nil {
				a.logger.WarnContext(ctx, "failed to get token account signatures",
					"mint", mint,
					"token_account", account,
					"error", err,
				)
				if a.metrics != nil {
					a.metrics.RecordTokenAccountFailure()
				}
				mu.Lock()
				skipped = append(skipped, account)
				mu.Unlock()
				return nil
			}
			for _, info := range infos {
				if !seeds.Contains(info.Signature) {
					additional.Add(info.Signature)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Discovery{
		SeedTransactions:     seedTxs,
		TokenAccounts:        accounts,
		AdditionalSignatures: additional.Slice(),
		SkippedAccounts:      skipped,
	}, nil
}

// tokenAccounts returns, in first-seen order, the accounts that hold mint in
// any seed transaction's post balances. The mint account is excluded.
func tokenAccounts(txs []*solana.Transaction, mint string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tx := range txs {
		for _, b := range tx.PostTokenBalances {
			if b.Mint != mint {
				continue
			}
			key := tx.AccountKey(int(b.AccountIndex))
			if key == "" || key == mint {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

func compact(txs []*solana.Transaction) []*solana.Transaction {
	out := make([]*solana.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx != nil {
			out = append(out, tx)
		}
	}
	return out
}
