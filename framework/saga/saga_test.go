package saga

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/akriventsev/sagaflow/framework/core"
)

func newRegistrationSaga(t *testing.T) *Transaction {
	t.Helper()
	tx := NewTransaction("USER_REGISTRATION", "corr-1", "user-42", map[string]interface{}{"email": "a@b.c"})
	steps := []*Step{
		NewStep("createUser", "user-service", "createUser", "deleteUser", nil),
		NewStep("createLead", "lead-service", "createLead", "deleteLead", nil),
		NewStep("notify", "local-notifier", "sendWelcome", "", nil),
	}
	for _, s := range steps {
		if err := tx.AddStep(s); err != nil {
			t.Fatalf("AddStep failed: %v", err)
		}
	}
	return tx
}

func TestNewTransaction_Defaults(t *testing.T) {
	tx := NewTransaction("USER_REGISTRATION", "corr-1", "user-42", nil)

	if !IsSagaID(tx.ID()) {
		t.Errorf("Expected saga id format, got %s", tx.ID())
	}
	if tx.Status() != TransactionStatusCreated {
		t.Errorf("Expected CREATED, got %s", tx.Status())
	}
	if tx.BusinessContext() == nil {
		t.Error("Expected nil business context to become an empty map")
	}
	if tx.Timeout() != DefaultTransactionTimeout || tx.MaxRetries() != DefaultTransactionMaxRetries {
		t.Errorf("Unexpected defaults: timeout=%v maxRetries=%d", tx.Timeout(), tx.MaxRetries())
	}
	if !tx.CompensationEnabled() {
		t.Error("Expected compensation enabled by default")
	}
}

func TestNewTransaction_Options(t *testing.T) {
	tx := NewTransaction("T", "c", "i", nil,
		WithTimeout(time.Minute),
		WithMaxRetries(0),
		WithCompensation(false),
	)

	if tx.Timeout() != time.Minute {
		t.Errorf("Expected timeout 1m, got %v", tx.Timeout())
	}
	if tx.MaxRetries() != 0 {
		t.Errorf("Expected maxRetries 0, got %d", tx.MaxRetries())
	}
	if tx.CompensationEnabled() {
		t.Error("Expected compensation disabled")
	}
}

func TestNewSagaID_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewSagaID()
		if !IsSagaID(id) {
			t.Fatalf("Invalid saga id %s", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("Duplicate saga id %s", id)
		}
		seen[id] = struct{}{}
	}

	if IsSagaID("SAGA-123-abcdef12") {
		t.Error("Expected lowercase suffix to be rejected")
	}
	if IsSagaID("saga-1") {
		t.Error("Expected malformed id to be rejected")
	}
}

func TestTransaction_AddStep(t *testing.T) {
	tx := newRegistrationSaga(t)

	for i, s := range tx.Steps() {
		if s.Order() != i {
			t.Errorf("Expected step %s order %d, got %d", s.Name(), i, s.Order())
		}
	}

	err := tx.AddStep(NewStep("createUser", "user-service", "createUser", "", nil))
	if !core.IsCode(err, core.ErrValidationFailed) {
		t.Errorf("Expected VALIDATION_FAILED for duplicate step, got %v", err)
	}

	_ = tx.Start()
	err = tx.AddStep(NewStep("late", "user-service", "createUser", "", nil))
	if !core.IsCode(err, core.ErrInvalidState) {
		t.Errorf("Expected INVALID_STATE adding a step to a running saga, got %v", err)
	}
}

func TestTransaction_MoveToNextStep(t *testing.T) {
	tx := newRegistrationSaga(t)

	step, ok := tx.CurrentStep()
	if !ok || step.Name() != "createUser" {
		t.Fatalf("Expected current step createUser, got %v", step)
	}
	if !tx.MoveToNextStep() || !tx.MoveToNextStep() {
		t.Fatal("Expected to advance twice")
	}
	if tx.MoveToNextStep() {
		t.Error("Expected no advance past the last step")
	}
	if tx.CurrentStepIndex() != 2 {
		t.Errorf("Expected index 2, got %d", tx.CurrentStepIndex())
	}
	if got := len(tx.CompletedSteps()); got != 3 {
		t.Errorf("Expected 3 completed-prefix steps, got %d", got)
	}

	empty := NewTransaction("T", "c", "i", nil)
	if _, ok := empty.CurrentStep(); ok {
		t.Error("Expected no current step for empty saga")
	}
	if len(empty.CompletedSteps()) != 0 {
		t.Error("Expected empty prefix for empty saga")
	}
}

func TestTransaction_Lifecycle(t *testing.T) {
	tx := newRegistrationSaga(t)

	if err := tx.Complete(); !core.IsCode(err, core.ErrInvalidState) {
		t.Errorf("Expected INVALID_STATE completing a created saga, got %v", err)
	}
	if err := tx.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if tx.StartedAt().IsZero() {
		t.Error("Expected startedAt to be set")
	}
	if err := tx.Complete(); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !tx.Status().IsTerminal() {
		t.Error("Expected terminal status")
	}
	if err := tx.Fail("late"); !core.IsCode(err, core.ErrInvalidState) {
		t.Errorf("Expected INVALID_STATE failing a terminal saga, got %v", err)
	}
}

func TestTransaction_CompensationLifecycle(t *testing.T) {
	tx := newRegistrationSaga(t)
	_ = tx.Start()

	if err := tx.StartCompensation("step execution failed"); err != nil {
		t.Fatalf("StartCompensation failed: %v", err)
	}
	if tx.FailureReason() != "step execution failed" {
		t.Errorf("Unexpected failure reason %q", tx.FailureReason())
	}
	if err := tx.StartCompensation("again"); !core.IsCode(err, core.ErrInvalidState) {
		t.Errorf("Expected INVALID_STATE, got %v", err)
	}
	if err := tx.CompleteCompensation(); err != nil {
		t.Fatalf("CompleteCompensation failed: %v", err)
	}
	if tx.Status() != TransactionStatusCompensated {
		t.Errorf("Expected COMPENSATED, got %s", tx.Status())
	}
	if tx.EndedAt().IsZero() {
		t.Error("Expected end timestamp")
	}
}

func TestTransaction_RetryBudget(t *testing.T) {
	tx := NewTransaction("T", "c", "i", nil, WithMaxRetries(2))
	if !tx.CanRetry() {
		t.Fatal("Expected CanRetry")
	}
	tx.IncrementRetryCount()
	tx.IncrementRetryCount()
	if tx.CanRetry() {
		t.Error("Expected retry budget exhausted")
	}
}

func TestTransaction_AddStepInheritsRetryLimit(t *testing.T) {
	tx := NewTransaction("T", "c", "i", nil, WithMaxRetries(1))
	inherited := NewStep("a", "svc", "act", "", nil)
	explicit := NewStep("b", "svc", "act", "", nil).WithMaxRetries(5)
	disabled := NewStep("c", "svc", "act", "", nil).WithMaxRetries(0)
	for _, s := range []*Step{inherited, explicit, disabled} {
		if err := tx.AddStep(s); err != nil {
			t.Fatalf("AddStep failed: %v", err)
		}
	}

	if inherited.MaxRetries() != 1 {
		t.Errorf("Expected inherited maxRetries 1, got %d", inherited.MaxRetries())
	}
	if explicit.MaxRetries() != 5 {
		t.Errorf("Expected explicit maxRetries 5, got %d", explicit.MaxRetries())
	}
	if disabled.MaxRetries() != 0 {
		t.Errorf("Expected maxRetries 0, got %d", disabled.MaxRetries())
	}

	restored, err := RestoreTransaction(tx.Snapshot())
	if err != nil {
		t.Fatalf("RestoreTransaction failed: %v", err)
	}
	if step, _ := restored.Step("a"); step.MaxRetries() != 1 {
		t.Errorf("Expected restored maxRetries 1, got %d", step.MaxRetries())
	}
}

func TestTransaction_IsTimeout(t *testing.T) {
	tx := NewTransaction("T", "c", "i", nil, WithTimeout(time.Second))
	if tx.IsTimeoutAt(time.Now().Add(time.Hour)) {
		t.Error("Expected no timeout before start")
	}

	_ = tx.Start()
	if tx.IsTimeoutAt(tx.StartedAt().Add(500 * time.Millisecond)) {
		t.Error("Expected no timeout within window")
	}
	if !tx.IsTimeoutAt(tx.StartedAt().Add(2 * time.Second)) {
		t.Error("Expected timeout after window")
	}

	_ = tx.Fail("saga timeout")
	if tx.IsTimeoutAt(tx.StartedAt().Add(2 * time.Second)) {
		t.Error("Expected terminal saga never to time out")
	}
}

func TestTransaction_Validate(t *testing.T) {
	if err := newRegistrationSaga(t).Validate(); err != nil {
		t.Errorf("Expected valid saga, got %v", err)
	}
	if err := NewTransaction("", "c", "i", nil).Validate(); !core.IsCode(err, core.ErrValidationFailed) {
		t.Errorf("Expected VALIDATION_FAILED for blank type, got %v", err)
	}
	if err := NewTransaction("T", " ", "i", nil).Validate(); !core.IsCode(err, core.ErrValidationFailed) {
		t.Errorf("Expected VALIDATION_FAILED for blank correlation id, got %v", err)
	}
}

func TestTransaction_CloneIsDeep(t *testing.T) {
	tx := newRegistrationSaga(t)
	clone := tx.Clone()

	_ = clone.Steps()[0].Start()
	clone.BusinessContext()["email"] = "other"

	if tx.Steps()[0].Status() != StepStatusPending {
		t.Error("Expected original step untouched")
	}
	if tx.BusinessContext()["email"] != "a@b.c" {
		t.Error("Expected original context untouched")
	}
}

func TestTransaction_SnapshotRestore(t *testing.T) {
	tx := newRegistrationSaga(t)
	_ = tx.Start()
	first, _ := tx.CurrentStep()
	_ = first.Start()
	_ = first.Complete(map[string]interface{}{"userId": "U-1"})
	tx.MoveToNextStep()

	payload, err := json.Marshal(tx.Snapshot())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var record TransactionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	restored, err := RestoreTransaction(record)
	if err != nil {
		t.Fatalf("RestoreTransaction failed: %v", err)
	}

	if restored.ID() != tx.ID() || restored.Status() != TransactionStatusRunning {
		t.Errorf("Unexpected restored saga %s/%s", restored.ID(), restored.Status())
	}
	if restored.CurrentStepIndex() != 1 {
		t.Errorf("Expected index 1, got %d", restored.CurrentStepIndex())
	}
	step, ok := restored.Step("createUser")
	if !ok || step.Status() != StepStatusCompleted || step.Output()["userId"] != "U-1" {
		t.Errorf("Unexpected restored step %+v", step)
	}
	if restored.Timeout() != tx.Timeout() {
		t.Errorf("Expected timeout %v, got %v", tx.Timeout(), restored.Timeout())
	}

	record.Status = "BOGUS"
	if _, err := RestoreTransaction(record); err == nil {
		t.Error("Expected error restoring unknown status")
	}
}

func TestSagaEvents(t *testing.T) {
	tx := newRegistrationSaga(t)

	started := NewSagaStartedEvent(tx)
	if started.EventType() != EventSagaStarted || started.AggregateID() != tx.ID() {
		t.Errorf("Unexpected started event %s/%s", started.EventType(), started.AggregateID())
	}
	if started.Metadata().CorrelationID() != "corr-1" {
		t.Errorf("Expected correlation id in metadata, got %q", started.Metadata().CorrelationID())
	}

	if NewSagaFinishedEvent(tx) != nil {
		t.Error("Expected nil finished event for non-terminal saga")
	}

	_ = tx.Start()
	_ = tx.StartCompensation("boom")
	_ = tx.CompleteCompensation()
	finished := NewSagaFinishedEvent(tx)
	if finished == nil || finished.EventType() != EventSagaCompensated {
		t.Fatalf("Expected saga.compensated event, got %v", finished)
	}
	if finished.Reason != "boom" {
		t.Errorf("Expected reason boom, got %q", finished.Reason)
	}
}
