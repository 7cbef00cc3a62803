package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/mintscope/service/activity"
	"github.com/brojonat/mintscope/service/config"
	"github.com/brojonat/mintscope/service/db"
	"github.com/brojonat/mintscope/service/metadata"
	"github.com/brojonat/mintscope/service/solana"
	"github.com/brojonat/mintscope/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMint = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

type fakeQuerier struct {
	result activity.Result
	calls  []string
}

func (f *fakeQuerier) QueryToken(ctx context.Context, mint string) activity.Result {
	f.calls = append(f.calls, mint)
	r := f.result
	r.Mint = mint
	return r
}

type fakeResolver struct {
	md  *metadata.Metadata
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, mint string) (*metadata.Metadata, error) {
	return f.md, f.err
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu       sync.Mutex
	events   map[string][]activity.Event
	failures []*db.ClassificationFailure
	watches  map[string]*db.Watch
	lastList db.ListClassificationFailuresParams
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:  make(map[string][]activity.Event),
		watches: make(map[string]*db.Watch),
	}
}

func (s *fakeStore) ListEvents(ctx context.Context, mint string, limit int32) ([]activity.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[mint], nil
}

func (s *fakeStore) ListClassificationFailures(ctx context.Context, params db.ListClassificationFailuresParams) ([]*db.ClassificationFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastList = params
	return s.failures, nil
}

func (s *fakeStore) UpsertWatch(ctx context.Context, mint string, interval time.Duration) (*db.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &db.Watch{Mint: mint, RefreshInterval: interval, CreatedAt: time.Now()}
	s.watches[mint] = w
	return w, nil
}

func (s *fakeStore) GetWatch(ctx context.Context, mint string) (*db.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[mint]
	if !ok {
		return nil, db.ErrNotFound
	}
	return w, nil
}

func (s *fakeStore) ListWatches(ctx context.Context) ([]*db.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Watch
	for _, w := range s.watches {
		out = append(out, w)
	}
	return out, nil
}

func (s *fakeStore) DeleteWatch(ctx context.Context, mint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[mint]; !ok {
		return db.ErrNotFound
	}
	delete(s.watches, mint)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultRefreshInterval: 15 * time.Minute,
		MinRefreshInterval:     time.Minute,
	}
}

type testDeps struct {
	query     *fakeQuerier
	resolver  *fakeResolver
	store     *fakeStore
	scheduler *temporal.MockScheduler
}

func newTestServer(t *testing.T) (*httptest.Server, testDeps) {
	t.Helper()
	deps := testDeps{
		query: &fakeQuerier{result: activity.Result{
			Events:         []activity.Event{},
			ReferencePrice: decimal.NewFromInt(150),
		}},
		resolver:  &fakeResolver{md: &metadata.Metadata{Name: "Degen Ape #1"}},
		store:     newFakeStore(),
		scheduler: temporal.NewMockScheduler(),
	}
	srv := New(":0", testConfig(), deps.query, deps.resolver, deps.store, deps.scheduler, nil, nil, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, deps
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestGetActivity(t *testing.T) {
	ts, deps := newTestServer(t)

	// Act
	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/tokens/"+testMint+"/activity", "")

	// Assert
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result activity.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, testMint, result.Mint)
	assert.False(t, result.Failed)
	assert.True(t, decimal.NewFromInt(150).Equal(result.ReferencePrice))
	assert.Equal(t, []string{testMint}, deps.query.calls)
}

func TestGetActivity_FailedResultIsStillOK(t *testing.T) {
	ts, deps := newTestServer(t)
	deps.query.result = activity.Result{
		Events:         []activity.Event{},
		ReferencePrice: decimal.NewFromInt(-1),
		Failed:         true,
	}

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/tokens/"+testMint+"/activity", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result activity.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Failed)
	assert.Empty(t, result.Events)
}

func TestGetActivity_InvalidAddress(t *testing.T) {
	ts, deps := newTestServer(t)

	tests := []struct {
		name    string
		mint    string
		message string
	}{
		{name: "non-base58 characters", mint: "0OIl0OIl", message: "base58"},
		{name: "too long", mint: strings.Repeat("A", 100), message: "address too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/tokens/"+tt.mint+"/activity", "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, string(body), tt.message)
		})
	}
	assert.Empty(t, deps.query.calls)
}

func TestGetMetadata(t *testing.T) {
	ts, deps := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/tokens/"+testMint+"/metadata", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Degen Ape #1")

	deps.resolver.err = metadata.ErrNoMetadata
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/tokens/"+testMint+"/metadata", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	deps.resolver.err = errors.New("rpc down")
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/tokens/"+testMint+"/metadata", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

// accountsFunc adapts a function to metadata.AccountReader.
type accountsFunc func(ctx context.Context, address solanago.PublicKey) ([]byte, solanago.PublicKey, error)

func (f accountsFunc) GetAccountData(ctx context.Context, address solanago.PublicKey) ([]byte, solanago.PublicKey, error) {
	return f(ctx, address)
}

func TestGetMetadata_AccountLookupErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "account missing", err: solana.ErrNotFound, status: http.StatusNotFound},
		{name: "ledger unreachable", err: errors.New("dial tcp: connection refused"), status: http.StatusBadGateway},
		{name: "rate limited", err: errors.New("rpc error: 429 Too Many Requests"), status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := metadata.NewResolver(accountsFunc(func(ctx context.Context, address solanago.PublicKey) ([]byte, solanago.PublicKey, error) {
				return nil, solanago.PublicKey{}, tt.err
			}), testLogger())
			srv := New(":0", testConfig(), &fakeQuerier{}, resolver, nil, nil, nil, nil, testLogger())
			ts := httptest.NewServer(srv.Handler())
			defer ts.Close()

			resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/tokens/"+testMint+"/metadata", "")

			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestListStoredEvents_EmptyIsArray(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/tokens/"+testMint+"/events", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"events":[]`)
}

func TestListClassificationFailures(t *testing.T) {
	ts, deps := newTestServer(t)
	deps.store.failures = []*db.ClassificationFailure{
		{Mint: testMint, Signature: "sig1", Reason: "no_ownership_change"},
	}

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/classification-failures?reason=no_ownership_change&limit=5", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sig1")
	assert.Equal(t, "no_ownership_change", deps.store.lastList.Reason)
	assert.Equal(t, int32(5), deps.store.lastList.Limit)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/classification-failures?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWatchLifecycle(t *testing.T) {
	ts, deps := newTestServer(t)
	url := ts.URL + "/api/v1/watches/" + testMint

	// Default interval when no body is sent.
	resp, body := do(t, http.MethodPost, url, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	interval, ok := deps.scheduler.GetScheduleInterval(testMint)
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, interval)
	assert.Equal(t, []string{testMint}, deps.scheduler.Triggered())

	resp, body = do(t, http.MethodPost, url, `{"refresh_interval":"30m"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, string(body), `"refresh_interval":"30m0s"`)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/watches", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), testMint)

	resp, _ = do(t, http.MethodDelete, url, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, deps.scheduler.ScheduleCount())

	resp, _ = do(t, http.MethodDelete, url, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, url, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWatch_InvalidInput(t *testing.T) {
	ts, _ := newTestServer(t)
	url := ts.URL + "/api/v1/watches/" + testMint

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{name: "malformed JSON", body: `{"refresh_interval":`, message: "invalid request body"},
		{name: "bad duration", body: `{"refresh_interval":"soon"}`, message: "invalid refresh_interval"},
		{name: "below minimum", body: `{"refresh_interval":"10s"}`, message: "at least"},
		{name: "above maximum", body: `{"refresh_interval":"48h"}`, message: "cannot exceed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, url, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, string(body), tt.message)
		})
	}
}

func TestWatch_ScheduleFailureRollsBack(t *testing.T) {
	ts, deps := newTestServer(t)
	deps.scheduler.SetCreateError(errors.New("temporal unavailable"))

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/v1/watches/"+testMint, "")

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	_, err := deps.store.GetWatch(context.Background(), testMint)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestWatchRoutesDisabledWithoutStore(t *testing.T) {
	srv := New(":0", testConfig(), &fakeQuerier{}, &fakeResolver{}, nil, nil, nil, nil, testLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/watches", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := do(t, http.MethodOptions, ts.URL+"/api/v1/watches", "")

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
