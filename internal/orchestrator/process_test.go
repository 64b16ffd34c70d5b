package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/forgeline/forgeline-backend/internal/providers"
	"github.com/forgeline/forgeline-backend/internal/types"
)

func seedGeneration(t *testing.T, f *fixture, status types.GenerationStatus, estimate float64) *types.Generation {
	t.Helper()
	gen := &types.Generation{
		OrganizationID: uuid.New(),
		UserID:         uuid.New(),
		Type:           types.GenerationTypeText,
		Status:         status,
		Prompt:         "a prompt",
		Provider:       "fake",
		IdempotencyKey: uuid.NewString(),
		EstimatedCost:  estimate,
	}
	if err := f.genRepo.Create(context.Background(), nil, gen); err != nil {
		t.Fatalf("seed generation: %v", err)
	}
	return gen
}

func jobFor(gen *types.Generation, attempts, maxAttempts int) *types.QueueJob {
	payload, _ := json.Marshal(jobPayload{
		GenerationID:   gen.ID,
		OrganizationID: gen.OrganizationID,
	})
	return &types.QueueJob{
		ID:           uuid.New(),
		QueueName:    "text",
		GenerationID: gen.ID,
		Status:       types.JobStatusProcessing,
		Attempts:     attempts,
		MaxAttempts:  maxAttempts,
		Data:         datatypes.JSON(payload),
	}
}

func TestProcessJob_SuccessChargesActual(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	gen := seedGeneration(t, f, types.GenerationStatusQueued, 10)

	f.provider.generate = func(ctx context.Context, req providers.Request) (*providers.GenerateResult, error) {
		return &providers.GenerateResult{
			Outputs: []providers.Output{
				{URL: "data:text/plain;base64,aGVsbG8=", Format: "txt"},
				{URL: "data:text/plain;base64,d29ybGQ=", Format: "txt"},
			},
			Cost: 6,
		}, nil
	}

	if _, err := f.svc.ProcessJob(ctx, jobFor(gen, 1, 3)); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := f.genRepo.GetByID(ctx, nil, gen.ID)
	if got.Status != types.GenerationStatusCompleted {
		t.Fatalf("status: want=%q got=%q", types.GenerationStatusCompleted, got.Status)
	}
	if got.Cost != 6 {
		t.Fatalf("cost: want=6 got=%v", got.Cost)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}

	var outputs []types.GenerationOutput
	if err := json.Unmarshal(got.Outputs, &outputs); err != nil {
		t.Fatalf("decode outputs: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("outputs: want=2 got=%d", len(outputs))
	}
	for _, out := range outputs {
		if !strings.HasPrefix(out.URL, "https://cdn.example.com/generations/") {
			t.Fatalf("output url not re-homed: %q", out.URL)
		}
	}

	bs := f.billing.snapshot()
	if bs.chargeCalls != 1 || bs.chargedSum != 6 {
		t.Fatalf("charge: want 1 call of 6, got %d calls sum %v", bs.chargeCalls, bs.chargedSum)
	}
	if bs.releaseCalls != 0 {
		t.Fatalf("release on success: got %d calls", bs.releaseCalls)
	}
	// First attempt uses the admission-time reservation.
	if bs.reserveCalls != 0 {
		t.Fatalf("first attempt re-reserved: got %d calls", bs.reserveCalls)
	}
}

func TestProcessJob_RetryAttemptReReserves(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	gen := seedGeneration(t, f, types.GenerationStatusQueued, 10)

	if _, err := f.svc.ProcessJob(ctx, jobFor(gen, 2, 3)); err != nil {
		t.Fatalf("process: %v", err)
	}
	bs := f.billing.snapshot()
	if bs.reserveCalls != 1 || bs.reservedSum != 10 {
		t.Fatalf("retry reserve: want 1 call of 10, got %d calls sum %v", bs.reserveCalls, bs.reservedSum)
	}
	if bs.chargeCalls != 1 {
		t.Fatalf("charge calls: want=1 got=%d", bs.chargeCalls)
	}
}

func TestProcessJob_TransientFailureReleasesAndRetries(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	gen := seedGeneration(t, f, types.GenerationStatusQueued, 10)

	f.provider.generate = func(ctx context.Context, req providers.Request) (*providers.GenerateResult, error) {
		return nil, errors.New("vendor 503")
	}

	_, err := f.svc.ProcessJob(ctx, jobFor(gen, 1, 3))
	if err == nil {
		t.Fatalf("want error from failed attempt")
	}

	got, _ := f.genRepo.GetByID(ctx, nil, gen.ID)
	// Transient job retries are invisible at the generation level.
	if got.Status != types.GenerationStatusProcessing {
		t.Fatalf("status: want=%q got=%q", types.GenerationStatusProcessing, got.Status)
	}
	if got.Error == "" {
		t.Fatalf("attempt error not recorded")
	}

	bs := f.billing.snapshot()
	if bs.releaseCalls != 1 || bs.releasedSum != 10 {
		t.Fatalf("release: want 1 call of 10, got %d calls sum %v", bs.releaseCalls, bs.releasedSum)
	}
	if bs.chargeCalls != 0 {
		t.Fatalf("charge on failure: got %d calls", bs.chargeCalls)
	}
}

func TestProcessJob_TimedOutAttemptStillReleases(t *testing.T) {
	f := newFixture(t, Config{})
	gen := seedGeneration(t, f, types.GenerationStatusQueued, 10)

	// The vendor call outlives the attempt's wall-clock budget.
	f.provider.generate = func(ctx context.Context, req providers.Request) (*providers.GenerateResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := f.svc.ProcessJob(ctx, jobFor(gen, 1, 3)); err == nil {
		t.Fatalf("want error from timed-out attempt")
	}

	bs := f.billing.snapshot()
	if bs.releaseCalls != 1 || bs.releasedSum != 10 {
		t.Fatalf("reservation not released after timed-out attempt: calls=%d sum=%v",
			bs.releaseCalls, bs.releasedSum)
	}
	if bs.chargeCalls != 0 {
		t.Fatalf("charge on timed-out attempt: got %d calls", bs.chargeCalls)
	}

	got, _ := f.genRepo.GetByID(context.Background(), nil, gen.ID)
	if got.Error == "" {
		t.Fatalf("attempt error not recorded")
	}
	// Attempts remain; the generation is not failed yet.
	if got.Status != types.GenerationStatusProcessing {
		t.Fatalf("status: want=%q got=%q", types.GenerationStatusProcessing, got.Status)
	}
}

func TestProcessJob_FinalAttemptFailsGeneration(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	gen := seedGeneration(t, f, types.GenerationStatusQueued, 10)

	f.provider.generate = func(ctx context.Context, req providers.Request) (*providers.GenerateResult, error) {
		return nil, errors.New("vendor down")
	}

	job := jobFor(gen, 3, 3)
	if _, err := f.svc.ProcessJob(ctx, job); err == nil {
		t.Fatalf("want error from final attempt")
	}

	got, _ := f.genRepo.GetByID(ctx, nil, gen.ID)
	if got.Status != types.GenerationStatusFailed {
		t.Fatalf("status: want=%q got=%q", types.GenerationStatusFailed, got.Status)
	}
	if got.Error == "" {
		t.Fatalf("failure reason missing")
	}

	bs := f.billing.snapshot()
	// Attempt 3 re-reserved, then released on failure: pairing holds.
	if bs.reserveCalls != bs.releaseCalls {
		t.Fatalf("reservation pairing broken: reserve=%d release=%d", bs.reserveCalls, bs.releaseCalls)
	}
}

func TestProcessJob_WebhookDeliversCompletionEnvelope(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	type envelope struct {
		Event string           `json:"event"`
		Data  types.Generation `json:"data"`
	}
	got := make(chan envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body envelope
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		got <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gen := &types.Generation{
		OrganizationID: uuid.New(),
		UserID:         uuid.New(),
		Type:           types.GenerationTypeText,
		Status:         types.GenerationStatusQueued,
		Prompt:         "a prompt",
		Provider:       "fake",
		IdempotencyKey: uuid.NewString(),
		EstimatedCost:  10,
		CallbackURL:    srv.URL,
	}
	if err := f.genRepo.Create(ctx, nil, gen); err != nil {
		t.Fatalf("seed generation: %v", err)
	}

	if _, err := f.svc.ProcessJob(ctx, jobFor(gen, 1, 3)); err != nil {
		t.Fatalf("process: %v", err)
	}

	select {
	case body := <-got:
		if body.Event != "generation.completed" {
			t.Fatalf("event: want=%q got=%q", "generation.completed", body.Event)
		}
		if body.Data.ID != gen.ID {
			t.Fatalf("data id: want=%s got=%s", gen.ID, body.Data.ID)
		}
		if body.Data.Status != types.GenerationStatusCompleted {
			t.Fatalf("data status: want=%q got=%q", types.GenerationStatusCompleted, body.Data.Status)
		}
		// The default fake provider charges half the estimate.
		if body.Data.Cost != 5 {
			t.Fatalf("data cost: want=5 got=%v", body.Data.Cost)
		}
		if body.Data.CompletedAt == nil {
			t.Fatalf("data completed_at missing")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not delivered")
	}
}

func TestProcessJob_CancelledGenerationSkipped(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	gen := seedGeneration(t, f, types.GenerationStatusCancelled, 10)

	called := false
	f.provider.generate = func(ctx context.Context, req providers.Request) (*providers.GenerateResult, error) {
		called = true
		return nil, nil
	}

	if _, err := f.svc.ProcessJob(ctx, jobFor(gen, 1, 3)); err != nil {
		t.Fatalf("process cancelled generation: %v", err)
	}
	if called {
		t.Fatalf("provider invoked for cancelled generation")
	}
	bs := f.billing.snapshot()
	if bs.chargeCalls != 0 || bs.releaseCalls != 0 || bs.reserveCalls != 0 {
		t.Fatalf("billing touched for cancelled generation")
	}
}

func TestProcessJob_CancelDuringGenerateReleasesInsteadOfCharging(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	gen := seedGeneration(t, f, types.GenerationStatusQueued, 10)

	f.provider.generate = func(ctx context.Context, req providers.Request) (*providers.GenerateResult, error) {
		// Cancellation lands while the vendor call is in flight.
		if _, err := f.genRepo.TransitionStatus(ctx, nil, gen.ID,
			[]types.GenerationStatus{types.GenerationStatusProcessing},
			map[string]interface{}{"status": types.GenerationStatusCancelled}); err != nil {
			t.Errorf("mid-flight cancel: %v", err)
		}
		return &providers.GenerateResult{
			Outputs: []providers.Output{{URL: "data:text/plain;base64,aGVsbG8=", Format: "txt"}},
			Cost:    6,
		}, nil
	}

	if _, err := f.svc.ProcessJob(ctx, jobFor(gen, 1, 3)); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := f.genRepo.GetByID(ctx, nil, gen.ID)
	if got.Status != types.GenerationStatusCancelled {
		t.Fatalf("late result overwrote cancellation: status=%q", got.Status)
	}
	bs := f.billing.snapshot()
	if bs.chargeCalls != 0 {
		t.Fatalf("charged a cancelled generation")
	}
	if bs.releaseCalls != 1 {
		t.Fatalf("reservation not released after discarded result: got %d", bs.releaseCalls)
	}
}

func TestProcessJob_MalformedPayloadIsPermanent(t *testing.T) {
	f := newFixture(t, Config{})
	job := &types.QueueJob{
		ID:          uuid.New(),
		QueueName:   "text",
		Status:      types.JobStatusProcessing,
		Attempts:    1,
		MaxAttempts: 3,
		Data:        datatypes.JSON([]byte(`not json`)),
	}
	_, err := f.svc.ProcessJob(context.Background(), job)
	if err == nil {
		t.Fatalf("want error for malformed payload")
	}
}
