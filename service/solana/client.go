package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/mintscope/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned when the node has no record of a transaction or
// account (pruned history, unknown signature, uninitialized account).
var ErrNotFound = errors.New("not found")

// FetchError reports signatures whose transactions could not be fetched for a
// reason other than ErrNotFound, after retries. The slice returned with it is
// still valid for every other signature.
type FetchError struct {
	Signatures []string
	Requested  int
	Err        error // last underlying error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %d of %d transactions: %v", len(e.Signatures), e.Requested, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// All reports whether no requested signature could be fetched.
func (e *FetchError) All() bool {
	return len(e.Signatures) == e.Requested
}

const (
	// maxSignaturesPage is the largest page getSignaturesForAddress serves.
	maxSignaturesPage = 1000

	defaultConcurrency = 8
	defaultMaxAttempts = 3
)

// RPCClient is the subset of Solana RPC operations we need.
// Tests substitute it to avoid hitting real nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetAccountInfo(
		ctx context.Context,
		account solana.PublicKey,
	) (*rpc.GetAccountInfoResult, error)
}

// Client wraps an RPCClient with paging, retries, bounded fan-out and
// conversion to domain types.
type Client struct {
	rpc         RPCClient
	logger      *slog.Logger
	metrics     *metrics.Metrics
	endpoint    string // RPC endpoint identifier for metrics (e.g., "mainnet", rpc host)
	pageSize    int
	concurrency int
	maxAttempts int
	backoff     func(attempt int) time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithConcurrency bounds the number of in-flight transaction fetches.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithPageSize sets the getSignaturesForAddress page size (max 1000).
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 && n <= maxSignaturesPage {
			c.pageSize = n
		}
	}
}

// WithRetry sets the attempt count and the backoff before each retry.
func WithRetry(maxAttempts int, backoff func(attempt int) time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if backoff != nil {
			c.backoff = backoff
		}
	}
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling. If metrics is nil, no
// metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		rpc:         rpcClient,
		logger:      logger,
		metrics:     m,
		endpoint:    endpoint,
		pageSize:    maxSignaturesPage,
		concurrency: defaultConcurrency,
		maxAttempts: defaultMaxAttempts,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second // 1s, 2s, 4s
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetSignatures returns the complete signature history of address, newest
// first, paging backwards until the node returns a short page.
func (c *Client) GetSignatures(ctx context.Context, address string) ([]SignatureInfo, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	var (
		out    []SignatureInfo
		before solana.Signature
	)
	for {
		limit := c.pageSize
		opts := &rpc.GetSignaturesForAddressOpts{Limit: &limit}
		if before != (solana.Signature{}) {
			opts.Before = before
		}

		var page []*rpc.TransactionSignature
		err := c.withRetry(ctx, "GetSignaturesForAddress", func(ctx context.Context) error {
			var err error
			page, err = c.rpc.GetSignaturesForAddress(ctx, pk, opts)
			return err
		})
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to get signatures",
				"address", address,
				"error", err,
			)
			return nil, fmt.Errorf("get signatures for %s: %w", address, err)
		}
		if c.metrics != nil {
			c.metrics.RecordSignaturesPage(c.endpoint, len(page))
		}

		for _, sig := range page {
			if sig == nil {
				continue
			}
			out = append(out, signatureToDomain(sig))
		}

		if len(page) < c.pageSize || page[len(page)-1] == nil {
			break
		}
		before = page[len(page)-1].Signature
	}

	c.logger.DebugContext(ctx, "fetched signatures",
		"address", address,
		"count", len(out),
	)
	return out, nil
}

// GetTransaction fetches and converts a single transaction. It returns
// ErrNotFound when the node does not have it.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	var result *rpc.GetTransactionResult
	err = c.withRetry(ctx, "GetTransaction", func(ctx context.Context) error {
		opts := &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			MaxSupportedTransactionVersion: &[]uint64{0}[0],
		}
		var err error
		result, err = c.rpc.GetTransaction(ctx, sig, opts)
		if err != nil && strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'") {
			// Some nodes reject the versioned request shape for legacy transactions.
			if c.metrics != nil {
				c.metrics.RecordRPCRetry("GetTransaction", "parse_error")
			}
			result, err = c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{Encoding: solana.EncodingBase64})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrNotFound
	}
	return transactionFromResult(sig, result)
}

// GetTransactions fetches signatures concurrently, bounded by the client's
// concurrency. The result is positionally aligned with signatures; entries
// the node could not serve are nil. Pruned records are dropped silently; any
// other failure is reported as a *FetchError alongside the partial result.
// Context cancellation is returned as-is.
func (c *Client) GetTransactions(ctx context.Context, signatures []string) ([]*Transaction, error) {
	out := make([]*Transaction, len(signatures))
	errs := make([]error, len(signatures))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, sig := range signatures {
		g.Go(func() error {
			txn, err := c.GetTransaction(gctx, sig)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				if errors.Is(err, ErrNotFound) {
					c.logger.DebugContext(gctx, "transaction not found", "signature", sig)
					return nil
				}
				errs[i] = err
				return nil
			}
			out[i] = txn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var fetchErr *FetchError
	for i, err := range errs {
		if err == nil {
			continue
		}
		if fetchErr == nil {
			fetchErr = &FetchError{Requested: len(signatures)}
		}
		fetchErr.Signatures = append(fetchErr.Signatures, signatures[i])
		fetchErr.Err = err
	}
	if fetchErr != nil {
		c.logger.WarnContext(ctx, "failed to fetch transactions",
			"failed", len(fetchErr.Signatures),
			"requested", fetchErr.Requested,
			"error", fetchErr.Err,
		)
		return out, fetchErr
	}
	return out, nil
}

// GetAccountData returns the raw data and owner program of an account.
func (c *Client) GetAccountData(ctx context.Context, address solana.PublicKey) ([]byte, solana.PublicKey, error) {
	var result *rpc.GetAccountInfoResult
	err := c.withRetry(ctx, "GetAccountInfo", func(ctx context.Context) error {
		var err error
		result, err = c.rpc.GetAccountInfo(ctx, address)
		return err
	})
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	if result == nil || result.Value == nil {
		return nil, solana.PublicKey{}, ErrNotFound
	}
	return result.Value.Data.GetBinary(), result.Value.Owner, nil
}

// withRetry runs call up to maxAttempts times with backoff. Rate limit
// responses back off twice as long. Not-found responses are never retried and
// are reported as ErrNotFound.
func (c *Client) withRetry(ctx context.Context, method string, call func(context.Context) error) error {
	var err error
	for attempt := range c.maxAttempts {
		start := time.Now()
		err = call(ctx)
		duration := time.Since(start).Seconds()

		if errors.Is(err, rpc.ErrNotFound) {
			err = ErrNotFound
		}

		status := "success"
		switch {
		case errors.Is(err, ErrNotFound):
			status = "not_found"
		case err != nil:
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.RecordRPCCall(method, status, c.endpoint, duration)
		}

		if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}
		if attempt == c.maxAttempts-1 {
			break
		}

		reason := "timeout_or_error"
		backoff := c.backoff(attempt)
		if strings.Contains(err.Error(), "429") {
			reason = "rate_limit"
			backoff *= 2
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.endpoint)
			}
		}
		c.logger.WarnContext(ctx, "rpc call failed, retrying",
			"method", method,
			"attempt", attempt+1,
			"reason", reason,
			"backoff_seconds", backoff.Seconds(),
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry(method, reason)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
