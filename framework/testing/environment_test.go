package testing

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/sagaflow/framework/saga"
)

func registration() []*saga.Step {
	return []*saga.Step{
		saga.NewStep("create-user", "user-service", "createUser", "deleteUser", map[string]interface{}{"email": "new@example.com"}),
		saga.NewStep("create-deal", "deal-service", "createDeal", "cancelDeal", nil),
		saga.NewStep("assign-commission", "commission-service", "assignCommission", "revokeCommission", nil).WithMaxRetries(0),
	}
}

func TestEnvironment_CompletesOverHTTP(t *testing.T) {
	env := NewEnvironment(t)
	env.Service("user-service").Respond("/api/user/create", http.StatusOK, map[string]interface{}{"userId": "U-1"})

	created, err := env.Coordinator.CreateSaga(context.Background(), "USER_REGISTRATION", "corr-42", "admin", nil, registration())
	require.NoError(t, err)
	require.NoError(t, env.Coordinator.StartSaga(context.Background(), created.ID()))

	done := env.WaitForStatus(created.ID(), saga.TransactionStatusCompleted)
	assert.Equal(t, map[string]interface{}{"userId": "U-1"}, done.Steps()[0].Output())

	requests := env.Service("user-service").Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodPost, requests[0].Method)
	assert.Equal(t, "new@example.com", requests[0].Body["email"])
	assert.Equal(t, []string{"/api/deal/create"}, env.Service("deal-service").Paths())
	assert.Equal(t, []string{"/api/saga/assignCommission"}, env.Service("commission-service").Paths())

	expected := []string{
		saga.EventSagaStarted,
		saga.EventSagaStepCompleted,
		saga.EventSagaStepCompleted,
		saga.EventSagaStepCompleted,
		saga.EventSagaCompleted,
	}
	require.Eventually(t, func() bool {
		return len(env.Publisher.Types()) == len(expected)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, expected, env.Publisher.Types())
}

func TestEnvironment_CompensatesOverHTTP(t *testing.T) {
	env := NewEnvironment(t)
	env.Service("user-service").Respond("/api/user/create", http.StatusOK, map[string]interface{}{"userId": "U-7"})
	env.Service("commission-service").Respond("/api/saga/assignCommission", http.StatusUnprocessableEntity,
		map[string]interface{}{"error": "no commission plan"})

	created, err := env.Coordinator.CreateSaga(context.Background(), "USER_REGISTRATION", "corr-43", "admin", nil, registration())
	require.NoError(t, err)
	require.NoError(t, env.Coordinator.StartSaga(context.Background(), created.ID()))

	got := env.WaitForStatus(created.ID(), saga.TransactionStatusCompensated)
	assert.Equal(t, "step execution failed: HTTP call failed: status 422", got.FailureReason())
	assert.Equal(t, saga.StepStatusCompensated, got.Steps()[0].Status())
	assert.Equal(t, saga.StepStatusCompensated, got.Steps()[1].Status())

	assert.Equal(t, []string{"/api/deal/create", "/api/saga/cancelDeal"}, env.Service("deal-service").Paths())

	userRequests := env.Service("user-service").Requests()
	require.Len(t, userRequests, 2)
	assert.Equal(t, "/api/saga/deleteUser", userRequests[1].Path)
	assert.Equal(t, "U-7", userRequests[1].Body["userId"], "compensation receives the forward result")
	assert.Equal(t, "new@example.com", userRequests[1].Body["email"])
}
