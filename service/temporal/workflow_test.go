package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/brojonat/mintscope/service/activity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

const testMint = "TestMint1111111111111111111111111111111"

func stringPtr(s string) *string {
	return &s
}

func sampleEvents() []activity.Event {
	return []activity.Event{
		{
			Type:          activity.EventTransfer,
			Owner:         stringPtr("owner2"),
			PreviousOwner: stringPtr("owner1"),
			Signature:     "sig2",
			BlockTime:     time.Unix(200, 0).UTC(),
		},
		{
			Type:      activity.EventMint,
			Owner:     stringPtr("owner1"),
			Signature: "sig1",
			BlockTime: time.Unix(100, 0).UTC(),
		},
	}
}

type workflowMocks struct {
	query, save, publish, mark *testsuite.MockCallWrapper
}

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, workflowMocks) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.QueryToken)
	env.RegisterActivity(activities.SaveEvents)
	env.RegisterActivity(activities.PublishEvents)
	env.RegisterActivity(activities.MarkRefreshed)

	return env, workflowMocks{
		query:   env.OnActivity(activities.QueryToken, mock.Anything, mock.Anything),
		save:    env.OnActivity(activities.SaveEvents, mock.Anything, mock.Anything),
		publish: env.OnActivity(activities.PublishEvents, mock.Anything, mock.Anything),
		mark:    env.OnActivity(activities.MarkRefreshed, mock.Anything, mock.Anything),
	}
}

func TestRefreshTokenActivityWorkflow(t *testing.T) {
	queryResult := &QueryTokenResult{Result: activity.Result{
		Mint:           testMint,
		Events:         sampleEvents(),
		ReferencePrice: decimal.RequireFromString("150.25"),
	}}

	tests := []struct {
		name           string
		mockActivities func(m workflowMocks)
		expectedError  bool
		validateResult func(*testing.T, *RefreshResult)
	}{
		{
			name: "new events are saved and published",
			mockActivities: func(m workflowMocks) {
				m.query.Return(queryResult, nil)
				m.save.Return(&SaveEventsResult{Inserted: sampleEvents()[:1], Skipped: 1}, nil)
				m.publish.Return(&PublishEventsResult{Published: 1}, nil)
				m.mark.Return(nil)
			},
			validateResult: func(t *testing.T, result *RefreshResult) {
				assert.Equal(t, testMint, result.Mint)
				assert.Equal(t, 2, result.EventCount)
				assert.Equal(t, 1, result.NewEvents)
				assert.Equal(t, 1, result.Published)
				assert.Nil(t, result.Error)
			},
		},
		{
			name: "no new events skips publishing",
			mockActivities: func(m workflowMocks) {
				m.query.Return(queryResult, nil)
				m.save.Return(&SaveEventsResult{Skipped: 2}, nil)
				m.mark.Return(nil)
			},
			validateResult: func(t *testing.T, result *RefreshResult) {
				assert.Equal(t, 2, result.EventCount)
				assert.Equal(t, 0, result.NewEvents)
				assert.Equal(t, 0, result.Published)
			},
		},
		{
			name: "publish failure does not fail the refresh",
			mockActivities: func(m workflowMocks) {
				m.query.Return(queryResult, nil)
				m.save.Return(&SaveEventsResult{Inserted: sampleEvents()}, nil)
				m.publish.Return(nil, errors.New("nats unavailable"))
				m.mark.Return(nil)
			},
			validateResult: func(t *testing.T, result *RefreshResult) {
				assert.Equal(t, 2, result.NewEvents)
				assert.Equal(t, 0, result.Published)
				assert.Nil(t, result.Error)
			},
		},
		{
			name: "query failure fails the workflow",
			mockActivities: func(m workflowMocks) {
				m.query.Return(nil, errors.New("token query failed"))
			},
			expectedError: true,
		},
		{
			name: "save failure fails the workflow",
			mockActivities: func(m workflowMocks) {
				m.query.Return(queryResult, nil)
				m.save.Return(nil, errors.New("database error"))
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, mocks := newWorkflowEnv(t)
			tt.mockActivities(mocks)

			env.ExecuteWorkflow(RefreshTokenActivityWorkflow, RefreshInput{Mint: testMint})

			require.True(t, env.IsWorkflowCompleted())
			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}
			require.NoError(t, env.GetWorkflowError())

			var result RefreshResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
		})
	}
}

func TestRefreshTokenActivityWorkflow_NoEvents(t *testing.T) {
	env, mocks := newWorkflowEnv(t)

	mocks.query.Return(&QueryTokenResult{Result: activity.Result{
		Mint:           testMint,
		Events:         []activity.Event{},
		ReferencePrice: decimal.NewFromInt(150),
	}}, nil)
	mocks.mark.Return(nil)

	env.ExecuteWorkflow(RefreshTokenActivityWorkflow, RefreshInput{Mint: testMint})

	require.NoError(t, env.GetWorkflowError())
	var result RefreshResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 0, result.EventCount)
}

func TestRefreshTokenActivityWorkflow_ActivityRetries(t *testing.T) {
	env, mocks := newWorkflowEnv(t)

	callCount := 0
	mocks.query.Run(func(args mock.Arguments) {
		callCount++
		if callCount < 3 {
			panic("transient error") // Temporal retries on panics
		}
	}).Return(&QueryTokenResult{Result: activity.Result{Mint: testMint, Events: []activity.Event{}}}, nil)
	mocks.mark.Return(nil)

	env.ExecuteWorkflow(RefreshTokenActivityWorkflow, RefreshInput{Mint: testMint})

	assert.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 3, callCount)
}
