package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/forgeline/forgeline-backend/internal/apperr"
	"github.com/forgeline/forgeline-backend/internal/billing"
	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/notify"
	"github.com/forgeline/forgeline-backend/internal/providers"
	"github.com/forgeline/forgeline-backend/internal/queue"
	"github.com/forgeline/forgeline-backend/internal/repos"
	"github.com/forgeline/forgeline-backend/internal/storage"
	"github.com/forgeline/forgeline-backend/internal/types"
)

// JobQueue is the slice of the queue engine the orchestrator consumes.
type JobQueue interface {
	AddJob(ctx context.Context, generationID uuid.UUID, queueName string, priority int, scheduledFor *time.Time, maxAttempts int, data []byte) (uuid.UUID, error)
	CancelJob(ctx context.Context, id uuid.UUID) error
	RetryJob(ctx context.Context, id uuid.UUID) error
	Events() <-chan queue.Event
	Stats(ctx context.Context) queue.Stats
}

type Config struct {
	AdmissionCeiling  int
	MaxJobAttempts    int
	LockTTL           time.Duration
	DuplicateWait     time.Duration
	DownloadTimeout   time.Duration
	WebhookTimeout    time.Duration
	HealthTimeout     time.Duration
	UploadParallelism int
}

func DefaultServiceConfig() Config {
	return Config{
		AdmissionCeiling:  5,
		MaxJobAttempts:    3,
		LockTTL:           30 * time.Second,
		DuplicateWait:     2 * time.Second,
		DownloadTimeout:   2 * time.Minute,
		WebhookTimeout:    10 * time.Second,
		HealthTimeout:     5 * time.Second,
		UploadParallelism: 4,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultServiceConfig()
	if c.AdmissionCeiling <= 0 {
		c.AdmissionCeiling = d.AdmissionCeiling
	}
	if c.MaxJobAttempts <= 0 {
		c.MaxJobAttempts = d.MaxJobAttempts
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.DuplicateWait <= 0 {
		c.DuplicateWait = d.DuplicateWait
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = d.DownloadTimeout
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = d.WebhookTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = d.HealthTimeout
	}
	if c.UploadParallelism <= 0 {
		c.UploadParallelism = d.UploadParallelism
	}
}

// CreateRequest is the admission-time input.
type CreateRequest struct {
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	Type           types.GenerationType
	Prompt         string
	// Provider pins a vendor by name instead of scored auto-selection.
	Provider       string
	IdempotencyKey string
	CallbackURL    string
	Metadata       map[string]any
}

// jobPayload travels in QueueJob.Data so event handling does not need a
// generation lookup.
type jobPayload struct {
	GenerationID   uuid.UUID `json:"generation_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
}

// Service is the request-to-job pipeline: admission control and dedup on
// the way in, output persistence and billing finalization on the way out.
type Service struct {
	log         *logger.Logger
	generations repos.GenerationRepo
	billing     billing.Service
	registry    *providers.Registry
	jobs        JobQueue
	store       storage.ObjectStore
	publisher   notify.Publisher
	cfg         Config

	admission *AdmissionTracker
	locks     *ProcessingLock
	score     ScoreFunc
	client    *http.Client

	shuttingDown atomic.Bool
	stopCh       chan struct{}
	consumerWG   sync.WaitGroup
}

func NewService(
	generations repos.GenerationRepo,
	bill billing.Service,
	registry *providers.Registry,
	jobs JobQueue,
	store storage.ObjectStore,
	publisher notify.Publisher,
	baseLog *logger.Logger,
	cfg Config,
) *Service {
	cfg.fillDefaults()
	return &Service{
		log:         baseLog.With("service", "Orchestrator"),
		generations: generations,
		billing:     bill,
		registry:    registry,
		jobs:        jobs,
		store:       store,
		publisher:   publisher,
		cfg:         cfg,
		admission:   NewAdmissionTracker(cfg.AdmissionCeiling),
		locks:       NewProcessingLock(cfg.LockTTL),
		score:       DefaultScore,
		client:      &http.Client{},
		stopCh:      make(chan struct{}),
	}
}

// SetScoreFunc overrides the auto-selection scorer.
func (s *Service) SetScoreFunc(f ScoreFunc) {
	if f != nil {
		s.score = f
	}
}

// Start spawns the engine-event consumer that reconciles admission
// counters and mirrors lifecycle events.
func (s *Service) Start() {
	s.consumerWG.Add(1)
	go s.consumeEvents()
}

// CreateGeneration validates, deduplicates, admits, reserves credits,
// persists the Generation and enqueues its job. Admission-time denials
// leave no row and no reservation behind; any failure after a successful
// reservation releases it before the error propagates.
func (s *Service) CreateGeneration(ctx context.Context, req CreateRequest) (*types.Generation, error) {
	if s.shuttingDown.Load() {
		return nil, apperr.Unavailable(fmt.Errorf("shutdown in progress"))
	}
	if err := validateCreateRequest(&req); err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = idempotencyKey(req.OrganizationID, req.Type, req.Prompt)
	}

	if existing, err := s.generations.GetByIdempotencyKey(ctx, nil, req.OrganizationID, key); err != nil {
		return nil, apperr.New(500, apperr.CodeCreationFailed, fmt.Errorf("idempotency lookup: %w", err))
	} else if existing != nil {
		s.log.Debug("Idempotent replay", "generation_id", existing.ID, "organization_id", req.OrganizationID)
		return existing, nil
	}

	if !s.locks.TryLock(key) {
		// An identical request is mid-flight in this process. Wait for its
		// row to land and replay it.
		return s.awaitDuplicate(ctx, req.OrganizationID, key)
	}
	defer s.locks.Unlock(key)

	if !s.admission.Tracked(req.OrganizationID) {
		// First sight of this org since startup: restore its counter from
		// the store so a restart does not reset back-pressure.
		if n, cerr := s.generations.CountActiveByOrg(ctx, nil, req.OrganizationID); cerr == nil {
			s.admission.PrimeIfAbsent(req.OrganizationID, int(n))
		}
	}
	if !s.admission.TryAcquire(req.OrganizationID) {
		return nil, apperr.RateLimited(fmt.Errorf("organization %s is at its concurrent generation limit", req.OrganizationID))
	}

	gen, err := s.doCreateGeneration(ctx, req, key)
	if err != nil {
		s.admission.Release(req.OrganizationID)
		return nil, err
	}
	return gen, nil
}

func (s *Service) doCreateGeneration(ctx context.Context, req CreateRequest, key string) (*types.Generation, error) {
	decision, err := s.billing.CheckGenerationLimits(ctx, req.OrganizationID, string(req.Type), req.Provider)
	if err != nil {
		return nil, apperr.New(500, apperr.CodeCreationFailed, fmt.Errorf("billing check: %w", err))
	}
	if !decision.Allowed {
		return nil, apperr.InsufficientCredits(fmt.Errorf("billing denied: %s", decision.Reason))
	}

	provider, err := s.selectProvider(req.Type, req.Provider)
	if err != nil {
		if req.Provider != "" {
			return nil, apperr.Validation(err)
		}
		return nil, apperr.Unavailable(err)
	}

	preq := providers.Request{
		OrganizationID: req.OrganizationID.String(),
		Type:           req.Type,
		Prompt:         req.Prompt,
		Params:         paramsFromMetadata(req.Metadata),
	}
	estimate, err := provider.EstimateCost(ctx, preq)
	if err != nil {
		return nil, apperr.New(500, apperr.CodeCreationFailed, fmt.Errorf("estimate cost: %w", err))
	}

	if err := s.billing.ReserveCredits(ctx, req.OrganizationID, estimate); err != nil {
		switch {
		case isBillingDenial(err):
			return nil, apperr.InsufficientCredits(err)
		default:
			return nil, apperr.New(500, apperr.CodeCreationFailed, fmt.Errorf("reserve credits: %w", err))
		}
	}
	// Every exit past this point pairs the reservation with a release.

	gen := &types.Generation{
		ID:             uuid.New(),
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Type:           req.Type,
		Status:         types.GenerationStatusQueued,
		Prompt:         req.Prompt,
		Provider:       provider.Name(),
		IdempotencyKey: key,
		EstimatedCost:  estimate,
		CallbackURL:    req.CallbackURL,
	}
	if len(req.Metadata) > 0 {
		raw, merr := json.Marshal(req.Metadata)
		if merr != nil {
			s.release(ctx, req.OrganizationID, estimate)
			return nil, apperr.Validation(fmt.Errorf("metadata not serializable: %w", merr))
		}
		gen.Metadata = datatypes.JSON(raw)
	}

	if err := s.generations.Create(ctx, nil, gen); err != nil {
		// Another process may have won the unique-index race; replay its row.
		if existing, lerr := s.generations.GetByIdempotencyKey(ctx, nil, req.OrganizationID, key); lerr == nil && existing != nil {
			s.release(ctx, req.OrganizationID, estimate)
			return existing, nil
		}
		s.release(ctx, req.OrganizationID, estimate)
		return nil, apperr.New(500, apperr.CodeCreationFailed, fmt.Errorf("persist generation: %w", err))
	}

	payload, _ := json.Marshal(jobPayload{
		GenerationID:   gen.ID,
		OrganizationID: gen.OrganizationID,
	})
	jobID, err := s.jobs.AddJob(ctx, gen.ID,
		queueNameFor(req.Type),
		priorityFor(req.Type, req.Metadata),
		nil,
		s.cfg.MaxJobAttempts,
		payload,
	)
	if err != nil {
		_, _ = s.generations.TransitionStatus(ctx, nil, gen.ID,
			[]types.GenerationStatus{types.GenerationStatusQueued},
			map[string]interface{}{
				"status": types.GenerationStatusFailed,
				"error":  "failed to enqueue job",
			})
		s.release(ctx, req.OrganizationID, estimate)
		return nil, apperr.New(500, apperr.CodeCreationFailed, fmt.Errorf("enqueue job: %w", err))
	}
	s.rememberJobID(ctx, gen, jobID, req.Metadata)

	s.log.Info("Generation created",
		"generation_id", gen.ID,
		"organization_id", gen.OrganizationID,
		"type", string(gen.Type),
		"provider", gen.Provider,
		"estimated_cost", estimate,
		"job_id", jobID,
	)
	return gen, nil
}

// awaitDuplicate polls for the row the concurrent holder of the processing
// lock is about to persist.
func (s *Service) awaitDuplicate(ctx context.Context, orgID uuid.UUID, key string) (*types.Generation, error) {
	deadline := time.Now().Add(s.cfg.DuplicateWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, apperr.New(500, apperr.CodeCreationFailed, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
		gen, err := s.generations.GetByIdempotencyKey(ctx, nil, orgID, key)
		if err != nil {
			return nil, apperr.New(500, apperr.CodeCreationFailed, err)
		}
		if gen != nil {
			return gen, nil
		}
	}
	return nil, apperr.New(409, apperr.CodeCreationFailed, fmt.Errorf("identical request already in progress"))
}

// rememberJobID stashes the job id in the generation's metadata so the
// cancel path can reach the pending job.
func (s *Service) rememberJobID(ctx context.Context, gen *types.Generation, jobID uuid.UUID, metadata map[string]any) {
	merged := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		merged[k] = v
	}
	merged["job_id"] = jobID.String()
	raw, err := json.Marshal(merged)
	if err != nil {
		return
	}
	if err := s.generations.UpdateFields(ctx, nil, gen.ID, map[string]interface{}{
		"metadata": datatypes.JSON(raw),
	}); err != nil {
		s.log.Warn("Failed to record job id on generation", "generation_id", gen.ID, "error", err)
		return
	}
	gen.Metadata = datatypes.JSON(raw)
}

func (s *Service) GetGeneration(ctx context.Context, id uuid.UUID) (*types.Generation, error) {
	gen, err := s.generations.GetByID(ctx, nil, id)
	if err != nil {
		return nil, apperr.New(500, apperr.CodeProcessingFailed, err)
	}
	if gen == nil {
		return nil, apperr.New(404, apperr.CodeNotFound, fmt.Errorf("generation %s not found", id))
	}
	return gen, nil
}

// CancelGeneration moves a non-completed generation to cancelled. A queued
// generation has its pending job cancelled and its reservation released
// here; a processing one gets a best-effort vendor cancel and settles its
// reservation through the running attempt's failure path.
func (s *Service) CancelGeneration(ctx context.Context, id uuid.UUID) (*types.Generation, error) {
	gen, err := s.GetGeneration(ctx, id)
	if err != nil {
		return nil, err
	}
	switch gen.Status {
	case types.GenerationStatusCompleted:
		return nil, apperr.New(409, apperr.CodeValidation, fmt.Errorf("generation %s already completed", id))
	case types.GenerationStatusCancelled:
		return gen, nil
	}
	prev := gen.Status

	if prev == types.GenerationStatusProcessing {
		if p, ok := s.registry.Get(gen.Provider); ok {
			if c, ok := p.(providers.Canceler); ok {
				if cerr := c.Cancel(ctx, gen.ID.String()); cerr != nil {
					s.log.Warn("Provider cancel failed", "generation_id", gen.ID, "provider", gen.Provider, "error", cerr)
				}
			}
		}
	}

	ok, err := s.generations.TransitionStatus(ctx, nil, gen.ID,
		[]types.GenerationStatus{types.GenerationStatusQueued, types.GenerationStatusProcessing, types.GenerationStatusFailed},
		map[string]interface{}{"status": types.GenerationStatusCancelled})
	if err != nil {
		return nil, apperr.New(500, apperr.CodeProcessingFailed, err)
	}
	if !ok {
		// Completed in the meantime.
		return nil, apperr.New(409, apperr.CodeValidation, fmt.Errorf("generation %s already completed", id))
	}

	if jobID, ok := jobIDFromMetadata(gen.Metadata); ok {
		if cerr := s.jobs.CancelJob(ctx, jobID); cerr != nil {
			s.log.Debug("Job not cancellable", "job_id", jobID, "error", cerr)
		}
	}

	if prev == types.GenerationStatusQueued {
		s.release(ctx, gen.OrganizationID, gen.EstimatedCost)
		s.admission.Release(gen.OrganizationID)
	}

	gen.Status = types.GenerationStatusCancelled
	s.publish(notify.Event{
		Type:           "GENERATION_CANCELLED",
		GenerationID:   gen.ID.String(),
		OrganizationID: gen.OrganizationID.String(),
	})
	s.log.Info("Generation cancelled", "generation_id", gen.ID, "previous_status", string(prev))
	return gen, nil
}

// RetryJob re-queues a dead-lettered job through the engine's admin reset.
func (s *Service) RetryJob(ctx context.Context, jobID uuid.UUID) error {
	return s.jobs.RetryJob(ctx, jobID)
}

type HealthReport struct {
	Status    string                      `json:"status"`
	Providers map[string]providers.Health `json:"providers"`
	Queue     queue.Stats                 `json:"queue"`
}

func (s *Service) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    "ok",
		Providers: s.registry.HealthSnapshot(ctx, s.cfg.HealthTimeout),
		Queue:     s.jobs.Stats(ctx),
	}
	for _, h := range report.Providers {
		if !h.Healthy {
			report.Status = "degraded"
			break
		}
	}
	if s.shuttingDown.Load() {
		report.Status = "shutting_down"
	}
	return report
}

// Shutdown flips the admission gate and stops the event consumer. The
// queue engine is drained separately by the caller.
func (s *Service) Shutdown() {
	if s.shuttingDown.Swap(true) {
		return
	}
	close(s.stopCh)
	s.consumerWG.Wait()
}

func (s *Service) consumeEvents() {
	defer s.consumerWG.Done()
	events := s.jobs.Events()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEngineEvent(ev)
		}
	}
}

func (s *Service) handleEngineEvent(ev queue.Event) {
	switch ev.Type {
	case queue.EventJobCompleted, queue.EventJobFailed:
		if ev.Job != nil {
			var p jobPayload
			if err := json.Unmarshal(ev.Job.Data, &p); err == nil && p.OrganizationID != uuid.Nil {
				s.admission.Release(p.OrganizationID)
			}
		}
	}
	nev := notify.Event{Type: string(ev.Type), Error: ev.Error, At: ev.At}
	if ev.Job != nil {
		nev.JobID = ev.Job.ID.String()
		nev.GenerationID = ev.Job.GenerationID.String()
		nev.Queue = ev.Job.QueueName
	}
	s.publish(nev)
}

func (s *Service) publish(ev notify.Event) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.publisher.Publish(ctx, ev)
}

func (s *Service) release(ctx context.Context, orgID uuid.UUID, amount float64) {
	if amount <= 0 {
		return
	}
	// Releases often run as compensation for an attempt whose context is
	// already dead (timeout, cancellation); the ledger write must still land
	// or the reservation dangles.
	ctx = context.WithoutCancel(ctx)
	if err := s.billing.ReleaseReservedCredits(ctx, orgID, amount); err != nil {
		s.log.Error("Failed to release reserved credits",
			"organization_id", orgID,
			"amount", amount,
			"error", err,
		)
	}
}

func isBillingDenial(err error) bool {
	return errors.Is(err, billing.ErrInsufficientBalance) ||
		errors.Is(err, billing.ErrMonthlyCapReached) ||
		errors.Is(err, billing.ErrNoAccount)
}

func paramsFromMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	if p, ok := metadata["params"].(map[string]any); ok {
		return p
	}
	return nil
}

func jobIDFromMetadata(raw datatypes.JSON) (uuid.UUID, bool) {
	if len(raw) == 0 {
		return uuid.Nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return uuid.Nil, false
	}
	str, ok := m["job_id"].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(str)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
