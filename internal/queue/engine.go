package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/repos"
	"github.com/forgeline/forgeline-backend/internal/types"
)

// Processor executes one leased job. The passed context is cancelled when
// the job's wall-clock processing timeout fires; a processor that keeps
// running past that point has its eventual outcome discarded (completion
// writes are guarded by the lease).
type Processor func(ctx context.Context, job *types.QueueJob) ([]byte, error)

type Config struct {
	PollInterval      time.Duration
	FetchBatch        int
	ProcessingTimeout time.Duration
	BaseDelay         time.Duration
	CapDelay          time.Duration
	MaxJitter         time.Duration
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
	// DisableDeadLetter opts out of mirroring exhausted jobs; the zero
	// value keeps the mirror on.
	DisableDeadLetter bool
	CleanupInterval   time.Duration
	RetainTerminal    time.Duration
	EventBuffer       int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		FetchBatch:        10,
		ProcessingTimeout: 5 * time.Minute,
		BaseDelay:         2 * time.Second,
		CapDelay:          5 * time.Minute,
		MaxJitter:         time.Second,
		HeartbeatInterval: 30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		CleanupInterval:   time.Hour,
		RetainTerminal:    7 * 24 * time.Hour,
		EventBuffer:       1024,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = d.FetchBatch
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.CapDelay <= 0 {
		c.CapDelay = d.CapDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.RetainTerminal <= 0 {
		c.RetainTerminal = d.RetainTerminal
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
}

type worker struct {
	id          string
	queueNames  []string
	processor   Processor
	concurrency int

	mu            sync.Mutex
	inFlight      map[uuid.UUID]struct{}
	lastHeartbeat time.Time
}

func (w *worker) slots() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.concurrency - len(w.inFlight)
	if n < 0 {
		return 0
	}
	return n
}

func (w *worker) track(id uuid.UUID) {
	w.mu.Lock()
	w.inFlight[id] = struct{}{}
	w.mu.Unlock()
}

func (w *worker) untrack(id uuid.UUID) {
	w.mu.Lock()
	delete(w.inFlight, id)
	w.mu.Unlock()
}

func (w *worker) inFlightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

type Stats struct {
	Processed    int64
	Failed       int64
	Retried      int64
	DeadLettered int64
	Workers      int
	InFlight     int
	PendingDepth map[string]int64
}

// Engine polls the shared job store on behalf of registered workers, leases
// eligible jobs with a single conditional update, and applies the retry,
// backoff and dead-letter policy. Multiple engine processes may share one
// store; the lease is the only cross-process coordination.
type Engine struct {
	log  *logger.Logger
	repo repos.QueueJobRepo
	cfg  Config

	mu      sync.RWMutex
	workers map[string]*worker
	running bool

	events chan Event

	statsMu      sync.Mutex
	processed    int64
	failed       int64
	retried      int64
	deadLettered int64

	stopCh chan struct{}
	loopWG sync.WaitGroup
	jobWG  sync.WaitGroup
}

func NewEngine(repo repos.QueueJobRepo, baseLog *logger.Logger, cfg Config) *Engine {
	cfg.fillDefaults()
	return &Engine{
		log:     baseLog.With("service", "QueueEngine"),
		repo:    repo,
		cfg:     cfg,
		workers: make(map[string]*worker),
		events:  make(chan Event, cfg.EventBuffer),
	}
}

// Events exposes the lifecycle stream. The channel is buffered; events are
// dropped (with a warning) if the consumer falls behind rather than
// blocking job completion paths.
func (e *Engine) Events() <-chan Event { return e.events }

func (e *Engine) emit(ev Event) {
	ev.At = time.Now()
	select {
	case e.events <- ev:
	default:
		e.log.Warn("Event buffer full, dropping event", "type", string(ev.Type))
	}
}

// AddJob inserts a pending job. The generation id is not validated here:
// the orchestrator is the sole producer and guarantees referential
// validity.
func (e *Engine) AddJob(ctx context.Context, generationID uuid.UUID, queueName string, priority int, scheduledFor *time.Time, maxAttempts int, data []byte) (uuid.UUID, error) {
	if queueName == "" {
		return uuid.Nil, errors.New("queue name required")
	}
	job := &types.QueueJob{
		QueueName:    queueName,
		GenerationID: generationID,
		Priority:     priority,
		MaxAttempts:  maxAttempts,
		Status:       types.JobStatusPending,
	}
	if scheduledFor != nil {
		job.ScheduledFor = *scheduledFor
	}
	if len(data) > 0 {
		job.Data = datatypes.JSON(data)
	}
	if err := e.repo.Insert(ctx, nil, job); err != nil {
		return uuid.Nil, fmt.Errorf("insert queue job: %w", err)
	}
	e.log.Debug("Job enqueued",
		"job_id", job.ID,
		"queue", queueName,
		"priority", priority,
		"generation_id", generationID,
	)
	return job.ID, nil
}

// RegisterWorker binds a processor to one or more queue names. Multiple
// workers may share a queue name; each enforces its own concurrency
// ceiling independently.
func (e *Engine) RegisterWorker(id string, queueNames []string, concurrency int, proc Processor) error {
	if id == "" {
		return errors.New("worker id required")
	}
	if len(queueNames) == 0 {
		return errors.New("worker needs at least one queue name")
	}
	if proc == nil {
		return errors.New("nil processor")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workers[id]; exists {
		return fmt.Errorf("worker %q already registered", id)
	}
	e.workers[id] = &worker{
		id:            id,
		queueNames:    queueNames,
		processor:     proc,
		concurrency:   concurrency,
		inFlight:      make(map[uuid.UUID]struct{}),
		lastHeartbeat: time.Now(),
	}
	e.emit(Event{Type: EventWorkerStarted, WorkerID: id, QueueNames: queueNames})
	e.log.Info("Worker registered", "worker_id", id, "queues", queueNames, "concurrency", concurrency)
	return nil
}

func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.loopWG.Add(1)
	go e.pollLoop()
	e.loopWG.Add(1)
	go e.heartbeatLoop()
	e.loopWG.Add(1)
	go e.cleanupLoop()

	e.log.Info("Queue engine started",
		"poll_interval", e.cfg.PollInterval.String(),
		"processing_timeout", e.cfg.ProcessingTimeout.String(),
	)
}

// Stop flips the running flag, stops the timers, then waits (bounded by the
// shutdown timeout) for in-flight jobs to drain so leased jobs are not
// orphaned mid-execution.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	workerIDs := make([]string, 0, len(e.workers))
	for id := range e.workers {
		workerIDs = append(workerIDs, id)
	}
	e.mu.Unlock()

	e.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		e.jobWG.Wait()
		close(done)
	}()

	timeout := e.cfg.ShutdownTimeout
	select {
	case <-done:
	case <-time.After(timeout):
		e.log.Warn("Shutdown timeout reached with jobs still in flight", "timeout", timeout.String())
	case <-ctx.Done():
		e.log.Warn("Shutdown context cancelled with jobs still in flight")
	}

	for _, id := range workerIDs {
		e.emit(Event{Type: EventWorkerStopped, WorkerID: id})
	}
	e.log.Info("Queue engine stopped")
	return nil
}

func (e *Engine) isRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) pollLoop() {
	defer e.loopWG.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.PollOnce(context.Background())
		}
	}
}

// PollOnce runs one scheduling pass: for every worker with spare slots,
// fetch eligible jobs for its queues (priority desc, oldest-eligible
// first) and try to lease each. Lost races are skipped silently.
func (e *Engine) PollOnce(ctx context.Context) {
	e.mu.RLock()
	ws := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		ws = append(ws, w)
	}
	e.mu.RUnlock()

	for _, w := range ws {
		slots := w.slots()
		if slots <= 0 {
			continue
		}
		if slots > e.cfg.FetchBatch {
			slots = e.cfg.FetchBatch
		}
		jobs, err := e.repo.FetchEligible(ctx, nil, w.queueNames, slots)
		if err != nil {
			e.log.Warn("FetchEligible failed", "worker_id", w.id, "error", err)
			continue
		}
		for _, job := range jobs {
			if w.slots() <= 0 {
				break
			}
			claimed, err := e.repo.Claim(ctx, nil, job.ID, w.id)
			if err != nil {
				e.log.Warn("Claim failed", "job_id", job.ID, "worker_id", w.id, "error", err)
				continue
			}
			if !claimed {
				// Another poller won the race.
				continue
			}
			job.Status = types.JobStatusProcessing
			job.WorkerID = w.id
			job.Attempts++
			w.track(job.ID)
			e.jobWG.Add(1)
			go e.execute(w, job)
		}
	}
}

func (e *Engine) execute(w *worker, job *types.QueueJob) {
	defer e.jobWG.Done()
	defer w.untrack(job.ID)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ProcessingTimeout)
	defer cancel()

	type outcome struct {
		result []byte
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		res, err := w.processor(ctx, job)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		e.handleJobTimeout(w, job)
	case o := <-ch:
		if o.err != nil {
			e.handleJobFailure(w, job, o.err)
		} else {
			e.handleJobSuccess(w, job, o.result, time.Since(start))
		}
	}
}

func (e *Engine) handleJobSuccess(w *worker, job *types.QueueJob, result []byte, took time.Duration) {
	ok, err := e.repo.CompleteIfOwned(context.Background(), nil, job.ID, w.id, result)
	if err != nil {
		e.log.Error("Failed to mark job completed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		// Lease was cleared (timeout fired first); the late result is
		// discarded by policy.
		e.log.Warn("Discarding late job result, lease no longer held", "job_id", job.ID, "worker_id", w.id)
		return
	}
	job.Status = types.JobStatusCompleted
	e.statsMu.Lock()
	e.processed++
	e.statsMu.Unlock()
	e.emit(Event{Type: EventJobCompleted, Job: job, Result: result, ProcessingTime: took, WorkerID: w.id})
	e.log.Info("Job completed", "job_id", job.ID, "queue", job.QueueName, "took", took.String())
}

func (e *Engine) handleJobFailure(w *worker, job *types.QueueJob, jobErr error) {
	ctx := context.Background()
	retryable := !isPermanent(jobErr) && job.Attempts < job.MaxAttempts

	if retryable {
		delay := retryDelay(e.cfg.BaseDelay, e.cfg.CapDelay, job.Attempts) + jitter(e.cfg.MaxJitter)
		at := time.Now().Add(delay)
		ok, err := e.repo.RescheduleIfOwned(ctx, nil, job.ID, w.id, at, jobErr.Error())
		if err != nil {
			e.log.Error("Failed to reschedule job", "job_id", job.ID, "error", err)
			return
		}
		if !ok {
			e.log.Warn("Discarding late job failure, lease no longer held", "job_id", job.ID)
			return
		}
		job.Status = types.JobStatusPending
		job.LastError = jobErr.Error()
		e.statsMu.Lock()
		e.retried++
		e.statsMu.Unlock()
		e.emit(Event{Type: EventJobRetrying, Job: job, Error: jobErr.Error(), RetryAfter: delay, WorkerID: w.id})
		e.log.Warn("Job failed, retrying",
			"job_id", job.ID,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"retry_after", delay.String(),
			"error", jobErr.Error(),
		)
		return
	}

	ok, err := e.repo.FailIfOwned(ctx, nil, job.ID, w.id, jobErr.Error())
	if err != nil {
		e.log.Error("Failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		e.log.Warn("Discarding late job failure, lease no longer held", "job_id", job.ID)
		return
	}
	job.Status = types.JobStatusFailed
	job.LastError = jobErr.Error()
	e.statsMu.Lock()
	e.failed++
	e.statsMu.Unlock()
	e.deadLetter(ctx, job, jobErr.Error())
	e.emit(Event{Type: EventJobFailed, Job: job, Error: jobErr.Error(), WorkerID: w.id})
	e.log.Error("Job failed permanently",
		"job_id", job.ID,
		"attempts", job.Attempts,
		"error", jobErr.Error(),
	)
}

// handleJobTimeout returns a timed-out job to pending with its lease
// cleared so the next poll can re-lease it, unless the attempt budget is
// already spent, in which case the job is failed and dead-lettered.
func (e *Engine) handleJobTimeout(w *worker, job *types.QueueJob) {
	ctx := context.Background()
	errMsg := fmt.Sprintf("processing timeout after %s", e.cfg.ProcessingTimeout)

	if job.Attempts >= job.MaxAttempts {
		ok, err := e.repo.FailIfOwned(ctx, nil, job.ID, w.id, errMsg)
		if err != nil || !ok {
			e.log.Error("Failed to fail timed-out job", "job_id", job.ID, "error", err)
			return
		}
		job.Status = types.JobStatusFailed
		job.LastError = errMsg
		e.statsMu.Lock()
		e.failed++
		e.statsMu.Unlock()
		e.deadLetter(ctx, job, errMsg)
		e.emit(Event{Type: EventJobFailed, Job: job, Error: errMsg, WorkerID: w.id})
		return
	}

	ok, err := e.repo.RescheduleIfOwned(ctx, nil, job.ID, w.id, time.Now(), errMsg)
	if err != nil {
		e.log.Error("Failed to reschedule timed-out job", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	job.Status = types.JobStatusPending
	job.LastError = errMsg
	e.statsMu.Lock()
	e.retried++
	e.statsMu.Unlock()
	e.emit(Event{Type: EventJobRetrying, Job: job, Error: errMsg, WorkerID: w.id})
	e.log.Warn("Job timed out, returned to pending", "job_id", job.ID, "attempt", job.Attempts)
}

func (e *Engine) deadLetter(ctx context.Context, job *types.QueueJob, lastError string) {
	if e.cfg.DisableDeadLetter {
		return
	}
	dl := &types.DeadLetterJob{
		JobID:        job.ID,
		QueueName:    job.QueueName,
		GenerationID: job.GenerationID,
		Attempts:     job.Attempts,
		LastError:    lastError,
		Data:         job.Data,
	}
	if err := e.repo.InsertDeadLetter(ctx, nil, dl); err != nil {
		e.log.Error("Failed to write dead letter", "job_id", job.ID, "error", err)
		return
	}
	e.statsMu.Lock()
	e.deadLettered++
	e.statsMu.Unlock()
	e.log.Warn("Job dead-lettered", "job_id", job.ID, "queue", job.QueueName)
}

// CancelJob cancels a job that has not been leased yet. A processing job
// cannot be cancelled in place; it fails naturally or times out.
func (e *Engine) CancelJob(ctx context.Context, id uuid.UUID) error {
	ok, err := e.repo.CancelIfPending(ctx, nil, id, "cancelled")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not pending", id)
	}
	return nil
}

// RetryJob is the administrative reset for dead-lettered jobs: attempts
// back to zero, status back to pending.
func (e *Engine) RetryJob(ctx context.Context, id uuid.UUID) error {
	ok, err := e.repo.ResetForRetry(ctx, nil, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not failed", id)
	}
	return nil
}

func (e *Engine) heartbeatLoop() {
	defer e.loopWG.Done()
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			e.mu.RLock()
			for _, w := range e.workers {
				w.mu.Lock()
				w.lastHeartbeat = now
				inFlight := len(w.inFlight)
				w.mu.Unlock()
				e.log.Debug("Worker heartbeat", "worker_id", w.id, "in_flight", inFlight)
			}
			e.mu.RUnlock()
		}
	}
}

func (e *Engine) cleanupLoop() {
	defer e.loopWG.Done()
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.cfg.RetainTerminal)
			n, err := e.repo.PurgeTerminalBefore(context.Background(), nil, cutoff)
			if err != nil {
				e.log.Warn("Terminal job purge failed", "error", err)
				continue
			}
			if n > 0 {
				e.log.Info("Purged terminal jobs", "count", n, "cutoff", cutoff)
			}
		}
	}
}

func (e *Engine) Stats(ctx context.Context) Stats {
	e.statsMu.Lock()
	st := Stats{
		Processed:    e.processed,
		Failed:       e.failed,
		Retried:      e.retried,
		DeadLettered: e.deadLettered,
	}
	e.statsMu.Unlock()

	e.mu.RLock()
	st.Workers = len(e.workers)
	for _, w := range e.workers {
		st.InFlight += w.inFlightCount()
	}
	e.mu.RUnlock()

	if depth, err := e.repo.CountPendingByQueue(ctx, nil); err == nil {
		st.PendingDepth = depth
	}
	return st
}
