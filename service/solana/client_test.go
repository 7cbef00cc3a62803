package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	// pages are served in order, one per GetSignaturesForAddress call.
	pages        [][]*rpc.TransactionSignature
	transactions map[string]*rpc.GetTransactionResult
	txErrs       map[string]error
	accounts     map[solana.PublicKey]*rpc.GetAccountInfoResult
	err          error
	failFirst    int // number of initial calls that fail with a 429

	calls      int
	beforeSeen []solana.Signature
}

func (m *mockRPCClient) GetSignaturesForAddress(
	ctx context.Context,
	address solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts,
) ([]*rpc.TransactionSignature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failFirst {
		return nil, errors.New("rpc error: 429 Too Many Requests")
	}
	if m.err != nil {
		return nil, m.err
	}
	m.beforeSeen = append(m.beforeSeen, opts.Before)
	if len(m.pages) == 0 {
		return nil, nil
	}
	page := m.pages[0]
	m.pages = m.pages[1:]
	return page, nil
}

func (m *mockRPCClient) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if err, ok := m.txErrs[signature.String()]; ok {
		return nil, err
	}
	if m.transactions == nil {
		return nil, nil
	}
	return m.transactions[signature.String()], nil
}

func (m *mockRPCClient) GetAccountInfo(
	ctx context.Context,
	account solana.PublicKey,
) (*rpc.GetAccountInfoResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	if res, ok := m.accounts[account]; ok {
		return res, nil
	}
	return nil, rpc.ErrNotFound
}

func newTestClient(mock *mockRPCClient, opts ...Option) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithRetry(3, func(int) time.Duration { return 0 })}, opts...)
	return NewClient(mock, "test", nil, logger, opts...)
}

func sigs(n, offset int) []*rpc.TransactionSignature {
	out := make([]*rpc.TransactionSignature, 0, n)
	for i := range n {
		out = append(out, &rpc.TransactionSignature{
			Signature: solana.Signature{byte(offset + i + 1)},
			Slot:      uint64(1000 - offset - i),
		})
	}
	return out
}

func txResult(t *testing.T) *rpc.GetTransactionResult {
	t.Helper()
	envelope, err := makeTransactionEnvelope(&solana.Transaction{
		Message: solana.Message{AccountKeys: []solana.PublicKey{{1}}},
	})
	require.NoError(t, err)
	return &rpc.GetTransactionResult{Transaction: envelope, Meta: &rpc.TransactionMeta{}}
}

func TestGetSignatures_Paginates(t *testing.T) {
	ctx := context.Background()
	first := sigs(2, 0)
	second := sigs(1, 2)
	mock := &mockRPCClient{pages: [][]*rpc.TransactionSignature{first, second}}
	client := newTestClient(mock, WithPageSize(2))

	// Act
	got, err := client.GetSignatures(ctx, solana.PublicKey{1}.String())

	// Assert
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, first[0].Signature.String(), got[0].Signature)
	assert.Equal(t, second[0].Signature.String(), got[2].Signature)

	// The second page must continue from the oldest signature of the first.
	require.Len(t, mock.beforeSeen, 2)
	assert.Equal(t, solana.Signature{}, mock.beforeSeen[0])
	assert.Equal(t, first[1].Signature, mock.beforeSeen[1])
}

func TestGetSignatures_EmptyHistory(t *testing.T) {
	client := newTestClient(&mockRPCClient{})

	got, err := client.GetSignatures(context.Background(), solana.PublicKey{1}.String())

	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetSignatures_InvalidAddress(t *testing.T) {
	client := newTestClient(&mockRPCClient{})

	_, err := client.GetSignatures(context.Background(), "not-base58-0OIl")

	assert.Error(t, err)
}

func TestGetSignatures_RetriesRateLimit(t *testing.T) {
	mock := &mockRPCClient{
		failFirst: 2,
		pages:     [][]*rpc.TransactionSignature{sigs(1, 0)},
	}
	client := newTestClient(mock)

	got, err := client.GetSignatures(context.Background(), solana.PublicKey{1}.String())

	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 3, mock.calls)
}

func TestGetSignatures_GivesUpAfterMaxAttempts(t *testing.T) {
	mock := &mockRPCClient{err: errors.New("connection refused")}
	client := newTestClient(mock)

	_, err := client.GetSignatures(context.Background(), solana.PublicKey{1}.String())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, mock.calls)
}

func TestGetTransaction_NotFoundIsNotRetried(t *testing.T) {
	sig := solana.Signature{1}
	mock := &mockRPCClient{txErrs: map[string]error{sig.String(): rpc.ErrNotFound}}
	client := newTestClient(mock)

	_, err := client.GetTransaction(context.Background(), sig.String())

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, mock.calls)
}

func TestGetTransactions_AlignedAndDropsMissing(t *testing.T) {
	present := solana.Signature{1}
	missing := solana.Signature{2}
	failing := solana.Signature{3}
	mock := &mockRPCClient{
		transactions: map[string]*rpc.GetTransactionResult{present.String(): txResult(t)},
		txErrs:       map[string]error{failing.String(): errors.New("node unhealthy")},
	}
	client := newTestClient(mock, WithConcurrency(2))

	// Act
	got, err := client.GetTransactions(context.Background(), []string{missing.String(), present.String(), failing.String()})

	// Assert
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, []string{failing.String()}, fetchErr.Signatures)
	assert.Equal(t, 3, fetchErr.Requested)
	assert.False(t, fetchErr.All())

	require.Len(t, got, 3)
	assert.Nil(t, got[0])
	require.NotNil(t, got[1])
	assert.Equal(t, present.String(), got[1].Signature)
	assert.Nil(t, got[2])
}

func TestGetTransactions_NotFoundOnlyIsNoError(t *testing.T) {
	mock := &mockRPCClient{}
	client := newTestClient(mock)

	got, err := client.GetTransactions(context.Background(), []string{solana.Signature{1}.String()})

	require.NoError(t, err)
	assert.Equal(t, []*Transaction{nil}, got)
}

func TestGetTransactions_LedgerUnreachable(t *testing.T) {
	mock := &mockRPCClient{err: errors.New("dial tcp 127.0.0.1:8899: connect: connection refused")}
	client := newTestClient(mock, WithConcurrency(2))
	signatures := []string{solana.Signature{1}.String(), solana.Signature{2}.String()}

	// Act
	_, err := client.GetTransactions(context.Background(), signatures)

	// Assert
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.True(t, fetchErr.All())
	assert.ElementsMatch(t, signatures, fetchErr.Signatures)
	assert.ErrorContains(t, err, "connection refused")
	// Each signature is retried before giving up.
	assert.Equal(t, 6, mock.calls)
}

func TestGetTransactions_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mock := &mockRPCClient{err: context.Canceled}
	client := newTestClient(mock)

	_, err := client.GetTransactions(ctx, []string{solana.Signature{1}.String()})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetAccountData(t *testing.T) {
	account := solana.PublicKey{5}
	owner := solana.PublicKey{6}
	mock := &mockRPCClient{accounts: map[solana.PublicKey]*rpc.GetAccountInfoResult{
		account: {Value: &rpc.Account{Owner: owner, Data: rpc.DataBytesOrJSONFromBytes([]byte{1, 2, 3})}},
	}}
	client := newTestClient(mock)

	data, gotOwner, err := client.GetAccountData(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, owner, gotOwner)

	_, _, err = client.GetAccountData(context.Background(), solana.PublicKey{7})
	assert.ErrorIs(t, err, ErrNotFound)
}
