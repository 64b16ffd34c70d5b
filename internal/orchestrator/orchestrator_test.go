package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/forgeline/forgeline-backend/internal/apperr"
	"github.com/forgeline/forgeline-backend/internal/billing"
	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/providers"
	"github.com/forgeline/forgeline-backend/internal/queue"
	"github.com/forgeline/forgeline-backend/internal/repos"
	"github.com/forgeline/forgeline-backend/internal/types"
)

type fakeProvider struct {
	name     string
	supports map[types.GenerationType]bool
	estimate float64
	generate func(ctx context.Context, req providers.Request) (*providers.GenerateResult, error)

	mu        sync.Mutex
	cancelled []string
}

func newFakeProvider(name string, estimate float64, ts ...types.GenerationType) *fakeProvider {
	m := make(map[types.GenerationType]bool, len(ts))
	for _, t := range ts {
		m[t] = true
	}
	return &fakeProvider{name: name, supports: m, estimate: estimate}
}

func (p *fakeProvider) Name() string                        { return p.name }
func (p *fakeProvider) Supports(t types.GenerationType) bool { return p.supports[t] }

func (p *fakeProvider) ValidateRequest(ctx context.Context, req providers.Request) (providers.ValidationResult, error) {
	return providers.ValidationResult{Valid: true}, nil
}

func (p *fakeProvider) Generate(ctx context.Context, req providers.Request) (*providers.GenerateResult, error) {
	if p.generate != nil {
		return p.generate(ctx, req)
	}
	return &providers.GenerateResult{
		Outputs: []providers.Output{{URL: "data:text/plain;base64,aGVsbG8=", Format: "txt"}},
		Cost:    p.estimate / 2,
	}, nil
}

func (p *fakeProvider) EstimateCost(ctx context.Context, req providers.Request) (float64, error) {
	return p.estimate, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) providers.Health {
	return providers.Health{Healthy: true}
}

func (p *fakeProvider) Cancel(ctx context.Context, generationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, generationID)
	return nil
}

type addedJob struct {
	ID           uuid.UUID
	GenerationID uuid.UUID
	QueueName    string
	Priority     int
	MaxAttempts  int
	Data         []byte
}

type fakeQueue struct {
	mu        sync.Mutex
	added     []addedJob
	addErr    error
	cancelled []uuid.UUID
	retried   []uuid.UUID
	events    chan queue.Event
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{events: make(chan queue.Event, 64)}
}

func (q *fakeQueue) AddJob(ctx context.Context, generationID uuid.UUID, queueName string, priority int, scheduledFor *time.Time, maxAttempts int, data []byte) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.addErr != nil {
		return uuid.Nil, q.addErr
	}
	id := uuid.New()
	q.added = append(q.added, addedJob{
		ID:           id,
		GenerationID: generationID,
		QueueName:    queueName,
		Priority:     priority,
		MaxAttempts:  maxAttempts,
		Data:         data,
	})
	return id, nil
}

func (q *fakeQueue) CancelJob(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, id)
	return nil
}

func (q *fakeQueue) RetryJob(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, id)
	return nil
}

func (q *fakeQueue) Events() <-chan queue.Event          { return q.events }
func (q *fakeQueue) Stats(ctx context.Context) queue.Stats { return queue.Stats{} }

func (q *fakeQueue) jobs() []addedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]addedJob, len(q.added))
	copy(out, q.added)
	return out
}

// fakeBilling refuses dead contexts the way the gorm-backed ledger does:
// a query on a cancelled context fails before touching the database.
type fakeBilling struct {
	mu           sync.Mutex
	deny         bool
	denyReason   string
	reserveErr   error
	checkCalls   int
	reserveCalls int
	releaseCalls int
	chargeCalls  int
	reservedSum  float64
	releasedSum  float64
	chargedSum   float64
}

func (b *fakeBilling) CheckGenerationLimits(ctx context.Context, orgID uuid.UUID, generationType string, provider string) (billing.LimitDecision, error) {
	if err := ctx.Err(); err != nil {
		return billing.LimitDecision{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkCalls++
	if b.deny {
		return billing.LimitDecision{Allowed: false, Reason: b.denyReason}, nil
	}
	return billing.LimitDecision{Allowed: true}, nil
}

func (b *fakeBilling) ReserveCredits(ctx context.Context, orgID uuid.UUID, amount float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserveErr != nil {
		return b.reserveErr
	}
	b.reserveCalls++
	b.reservedSum += amount
	return nil
}

func (b *fakeBilling) ReleaseReservedCredits(ctx context.Context, orgID uuid.UUID, amount float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseCalls++
	b.releasedSum += amount
	return nil
}

func (b *fakeBilling) ChargeCredits(ctx context.Context, orgID uuid.UUID, reserved float64, actual float64, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chargeCalls++
	b.chargedSum += actual
	return nil
}

func (b *fakeBilling) snapshot() fakeBilling {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fakeBilling{
		checkCalls:   b.checkCalls,
		reserveCalls: b.reserveCalls,
		releaseCalls: b.releaseCalls,
		chargeCalls:  b.chargeCalls,
		reservedSum:  b.reservedSum,
		releasedSum:  b.releasedSum,
		chargedSum:   b.chargedSum,
	}
}

type fakeStore struct {
	mu      sync.Mutex
	uploads []string
}

func (s *fakeStore) Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, key)
	return "https://cdn.example.com/" + key, nil
}

type fixture struct {
	svc      *Service
	genRepo  repos.GenerationRepo
	queue    *fakeQueue
	billing  *fakeBilling
	store    *fakeStore
	provider *fakeProvider
	registry *providers.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.Generation{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})

	genRepo := repos.NewGenerationRepo(db, logger.NewNop())
	q := newFakeQueue()
	b := &fakeBilling{}
	st := &fakeStore{}
	reg := providers.NewRegistry(logger.NewNop())
	p := newFakeProvider("fake", 10,
		types.GenerationTypeText, types.GenerationTypeImage, types.GenerationTypeVideo)
	reg.Register(p, 0.9)

	svc := NewService(genRepo, b, reg, q, st, nil, logger.NewNop(), cfg)
	return &fixture{
		svc:      svc,
		genRepo:  genRepo,
		queue:    q,
		billing:  b,
		store:    st,
		provider: p,
		registry: reg,
	}
}

func baseRequest() CreateRequest {
	return CreateRequest{
		OrganizationID: uuid.New(),
		UserID:         uuid.New(),
		Type:           types.GenerationTypeText,
		Prompt:         "write a haiku about tides",
	}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("want error code %s, got nil", code)
	}
	if got := apperr.CodeOf(err, ""); got != code {
		t.Fatalf("error code: want=%q got=%q (%v)", code, got, err)
	}
}

func TestCreateGeneration_Success(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := baseRequest()

	gen, err := f.svc.CreateGeneration(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if gen.Status != types.GenerationStatusQueued {
		t.Fatalf("status: want=%q got=%q", types.GenerationStatusQueued, gen.Status)
	}
	if gen.Provider != "fake" {
		t.Fatalf("provider: want=%q got=%q", "fake", gen.Provider)
	}
	if gen.EstimatedCost != 10 {
		t.Fatalf("estimated cost: want=10 got=%v", gen.EstimatedCost)
	}
	if gen.IdempotencyKey == "" {
		t.Fatalf("idempotency key not derived")
	}

	bs := f.billing.snapshot()
	if bs.reserveCalls != 1 || bs.reservedSum != 10 {
		t.Fatalf("reserve: want 1 call of 10, got %d calls sum %v", bs.reserveCalls, bs.reservedSum)
	}
	if bs.releaseCalls != 0 {
		t.Fatalf("release on success path: got %d calls", bs.releaseCalls)
	}

	jobs := f.queue.jobs()
	if len(jobs) != 1 {
		t.Fatalf("enqueued jobs: want=1 got=%d", len(jobs))
	}
	if jobs[0].QueueName != "text" {
		t.Fatalf("queue name: want=%q got=%q", "text", jobs[0].QueueName)
	}
	if jobs[0].GenerationID != gen.ID {
		t.Fatalf("job generation id mismatch")
	}
}

func TestCreateGeneration_IdempotentReplay(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := baseRequest()

	first, err := f.svc.CreateGeneration(ctx, req)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := f.svc.CreateGeneration(ctx, req)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay returned new id: first=%s second=%s", first.ID, second.ID)
	}

	bs := f.billing.snapshot()
	if bs.reserveCalls != 1 {
		t.Fatalf("reserve calls: want=1 got=%d", bs.reserveCalls)
	}
	if len(f.queue.jobs()) != 1 {
		t.Fatalf("jobs enqueued: want=1 got=%d", len(f.queue.jobs()))
	}
}

func TestCreateGeneration_PromptNormalizationDedupes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := baseRequest()
	req.Prompt = "Write a   Haiku about tides"

	first, err := f.svc.CreateGeneration(ctx, req)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	req.Prompt = "write a haiku ABOUT tides"
	second, err := f.svc.CreateGeneration(ctx, req)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("normalized duplicates got distinct generations")
	}
}

func TestCreateGeneration_ConcurrentDuplicatesCollapse(t *testing.T) {
	f := newFixture(t, Config{DuplicateWait: 2 * time.Second})
	ctx := context.Background()
	req := baseRequest()

	const callers = 4
	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen, err := f.svc.CreateGeneration(ctx, req)
			if err != nil {
				t.Errorf("concurrent create: %v", err)
				return
			}
			ids <- gen.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uuid.UUID]bool)
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("distinct generation ids: want=1 got=%d", len(seen))
	}
	bs := f.billing.snapshot()
	if bs.reserveCalls != 1 {
		t.Fatalf("reserve calls: want=1 got=%d", bs.reserveCalls)
	}
	if len(f.queue.jobs()) != 1 {
		t.Fatalf("jobs enqueued: want=1 got=%d", len(f.queue.jobs()))
	}
}

func TestCreateGeneration_AdmissionCeiling(t *testing.T) {
	f := newFixture(t, Config{AdmissionCeiling: 2})
	ctx := context.Background()
	org := uuid.New()

	for i := 0; i < 2; i++ {
		req := baseRequest()
		req.OrganizationID = org
		req.Prompt = fmt.Sprintf("prompt number %d", i)
		if _, err := f.svc.CreateGeneration(ctx, req); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	before := f.billing.snapshot()

	req := baseRequest()
	req.OrganizationID = org
	req.Prompt = "one request too many"
	_, err := f.svc.CreateGeneration(ctx, req)
	wantCode(t, err, apperr.CodeRateLimitExceeded)

	after := f.billing.snapshot()
	if after.checkCalls != before.checkCalls || after.reserveCalls != before.reserveCalls {
		t.Fatalf("rejected request reached billing")
	}
	if len(f.queue.jobs()) != 2 {
		t.Fatalf("rejected request enqueued a job")
	}
	if gen, _ := f.genRepo.GetByIdempotencyKey(ctx, nil, org, idempotencyKey(org, req.Type, req.Prompt)); gen != nil {
		t.Fatalf("rejected request persisted a row")
	}

	// Another org is unaffected.
	other := baseRequest()
	if _, err := f.svc.CreateGeneration(ctx, other); err != nil {
		t.Fatalf("other org create: %v", err)
	}
}

func TestCreateGeneration_BillingDenied(t *testing.T) {
	f := newFixture(t, Config{})
	f.billing.deny = true
	f.billing.denyReason = "insufficient credit balance"
	ctx := context.Background()
	req := baseRequest()

	_, err := f.svc.CreateGeneration(ctx, req)
	wantCode(t, err, apperr.CodeInsufficientCredits)

	bs := f.billing.snapshot()
	if bs.reserveCalls != 0 {
		t.Fatalf("denied request reserved credits")
	}
	if len(f.queue.jobs()) != 0 {
		t.Fatalf("denied request enqueued a job")
	}
}

func TestCreateGeneration_ReserveDenied(t *testing.T) {
	f := newFixture(t, Config{})
	f.billing.reserveErr = billing.ErrInsufficientBalance
	ctx := context.Background()

	_, err := f.svc.CreateGeneration(ctx, baseRequest())
	wantCode(t, err, apperr.CodeInsufficientCredits)
	if len(f.queue.jobs()) != 0 {
		t.Fatalf("failed reservation enqueued a job")
	}
}

func TestCreateGeneration_EnqueueFailureCompensates(t *testing.T) {
	f := newFixture(t, Config{})
	f.queue.addErr = errors.New("store is down")
	ctx := context.Background()
	req := baseRequest()

	_, err := f.svc.CreateGeneration(ctx, req)
	wantCode(t, err, apperr.CodeCreationFailed)

	bs := f.billing.snapshot()
	if bs.reserveCalls != 1 || bs.releaseCalls != 1 {
		t.Fatalf("reservation pairing: reserve=%d release=%d", bs.reserveCalls, bs.releaseCalls)
	}
	if bs.releasedSum != bs.reservedSum {
		t.Fatalf("released %v of reserved %v", bs.releasedSum, bs.reservedSum)
	}

	key := idempotencyKey(req.OrganizationID, req.Type, req.Prompt)
	gen, _ := f.genRepo.GetByIdempotencyKey(ctx, nil, req.OrganizationID, key)
	if gen == nil {
		t.Fatalf("generation row missing")
	}
	if gen.Status != types.GenerationStatusFailed {
		t.Fatalf("status: want=%q got=%q", types.GenerationStatusFailed, gen.Status)
	}
}

func TestCreateGeneration_UnknownProviderOverride(t *testing.T) {
	f := newFixture(t, Config{})
	req := baseRequest()
	req.Provider = "nonexistent"
	_, err := f.svc.CreateGeneration(context.Background(), req)
	wantCode(t, err, apperr.CodeValidation)
}

func TestCreateGeneration_ShutdownRejects(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.Start()
	f.svc.Shutdown()
	_, err := f.svc.CreateGeneration(context.Background(), baseRequest())
	wantCode(t, err, apperr.CodeServiceUnavailable)
}

func TestCancelGeneration_Queued(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	gen, err := f.svc.CreateGeneration(ctx, baseRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled, err := f.svc.CancelGeneration(ctx, gen.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != types.GenerationStatusCancelled {
		t.Fatalf("status: want=%q got=%q", types.GenerationStatusCancelled, cancelled.Status)
	}

	bs := f.billing.snapshot()
	if bs.releaseCalls != 1 || bs.releasedSum != gen.EstimatedCost {
		t.Fatalf("reservation not released on cancel: calls=%d sum=%v", bs.releaseCalls, bs.releasedSum)
	}
	f.queue.mu.Lock()
	cancelledJobs := len(f.queue.cancelled)
	f.queue.mu.Unlock()
	if cancelledJobs != 1 {
		t.Fatalf("pending job not cancelled: got=%d", cancelledJobs)
	}

	// Cancelling again is a no-op.
	again, err := f.svc.CancelGeneration(ctx, gen.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != types.GenerationStatusCancelled {
		t.Fatalf("second cancel status: got=%q", again.Status)
	}
	bs = f.billing.snapshot()
	if bs.releaseCalls != 1 {
		t.Fatalf("cancel released twice")
	}
}

func TestCancelGeneration_CompletedRejected(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	gen, err := f.svc.CreateGeneration(ctx, baseRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.genRepo.TransitionStatus(ctx, nil, gen.ID,
		[]types.GenerationStatus{types.GenerationStatusQueued},
		map[string]interface{}{"status": types.GenerationStatusCompleted}); err != nil {
		t.Fatalf("force complete: %v", err)
	}

	_, err = f.svc.CancelGeneration(ctx, gen.ID)
	wantCode(t, err, apperr.CodeValidation)
}

func TestGetGeneration_NotFound(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.GetGeneration(context.Background(), uuid.New())
	wantCode(t, err, apperr.CodeNotFound)
}

func TestHandleEngineEvent_ReleasesAdmission(t *testing.T) {
	f := newFixture(t, Config{AdmissionCeiling: 1})
	ctx := context.Background()
	org := uuid.New()

	req := baseRequest()
	req.OrganizationID = org
	gen, err := f.svc.CreateGeneration(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	blocked := baseRequest()
	blocked.OrganizationID = org
	blocked.Prompt = "different prompt entirely"
	if _, err := f.svc.CreateGeneration(ctx, blocked); err == nil {
		t.Fatalf("second create admitted past ceiling")
	}

	// The processor marks the row terminal before the engine reports the
	// job; mirror that ordering here.
	if _, err := f.genRepo.TransitionStatus(ctx, nil, gen.ID,
		[]types.GenerationStatus{types.GenerationStatusQueued},
		map[string]interface{}{"status": types.GenerationStatusCompleted}); err != nil {
		t.Fatalf("complete generation: %v", err)
	}
	jobs := f.queue.jobs()
	f.svc.handleEngineEvent(queue.Event{
		Type: queue.EventJobCompleted,
		Job: &types.QueueJob{
			ID:           jobs[0].ID,
			GenerationID: gen.ID,
			Data:         jobs[0].Data,
		},
	})

	if _, err := f.svc.CreateGeneration(ctx, blocked); err != nil {
		t.Fatalf("create after slot release: %v", err)
	}
}

func TestCreateGeneration_AdmissionSeedsFromStore(t *testing.T) {
	f := newFixture(t, Config{AdmissionCeiling: 2})
	ctx := context.Background()
	org := uuid.New()

	// Rows left active by a previous process must count against the
	// ceiling even though this tracker has never seen the org.
	for i := 0; i < 2; i++ {
		gen := &types.Generation{
			OrganizationID: org,
			UserID:         uuid.New(),
			Type:           types.GenerationTypeText,
			Status:         types.GenerationStatusProcessing,
			Prompt:         fmt.Sprintf("carried over %d", i),
			Provider:       "fake",
			IdempotencyKey: uuid.NewString(),
			EstimatedCost:  10,
		}
		if err := f.genRepo.Create(ctx, nil, gen); err != nil {
			t.Fatalf("seed row %d: %v", i, err)
		}
	}

	req := baseRequest()
	req.OrganizationID = org
	_, err := f.svc.CreateGeneration(ctx, req)
	wantCode(t, err, apperr.CodeRateLimitExceeded)

	// An org below the ceiling is admitted on top of its carried-over row.
	other := uuid.New()
	carried := &types.Generation{
		OrganizationID: other,
		UserID:         uuid.New(),
		Type:           types.GenerationTypeText,
		Status:         types.GenerationStatusQueued,
		Prompt:         "carried over",
		Provider:       "fake",
		IdempotencyKey: uuid.NewString(),
		EstimatedCost:  10,
	}
	if err := f.genRepo.Create(ctx, nil, carried); err != nil {
		t.Fatalf("seed other org: %v", err)
	}
	otherReq := baseRequest()
	otherReq.OrganizationID = other
	if _, err := f.svc.CreateGeneration(ctx, otherReq); err != nil {
		t.Fatalf("create below ceiling: %v", err)
	}
	if got := f.svc.admission.Active(other); got != 2 {
		t.Fatalf("seeded active count: want=2 got=%d", got)
	}
}
