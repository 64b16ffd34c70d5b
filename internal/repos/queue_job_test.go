package repos

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&types.Generation{},
		&types.QueueJob{},
		&types.DeadLetterJob{},
		&types.OrgCreditAccount{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})
	return db
}

func insertJob(t *testing.T, r QueueJobRepo, queue string, priority int, scheduledFor time.Time) *types.QueueJob {
	t.Helper()
	job := &types.QueueJob{
		QueueName:    queue,
		GenerationID: uuid.New(),
		Priority:     priority,
		ScheduledFor: scheduledFor,
		MaxAttempts:  3,
	}
	if err := r.Insert(context.Background(), nil, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return job
}

func TestQueueJobRepo_ClaimIsExclusive(t *testing.T) {
	r := NewQueueJobRepo(newTestDB(t), logger.NewNop())
	ctx := context.Background()
	job := insertJob(t, r, "text", 5, time.Now().Add(-time.Second))

	ok, err := r.Claim(ctx, nil, job.ID, "worker-a")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !ok {
		t.Fatalf("first claim: want=true got=false")
	}
	ok, err = r.Claim(ctx, nil, job.ID, "worker-b")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("second claim succeeded on an already-leased job")
	}

	got, err := r.GetByID(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.JobStatusProcessing {
		t.Fatalf("status: want=%q got=%q", types.JobStatusProcessing, got.Status)
	}
	if got.WorkerID != "worker-a" {
		t.Fatalf("worker_id: want=%q got=%q", "worker-a", got.WorkerID)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts: want=1 got=%d", got.Attempts)
	}
	if got.ClaimedAt == nil {
		t.Fatalf("claimed_at not set")
	}
}

func TestQueueJobRepo_ClaimRace(t *testing.T) {
	r := NewQueueJobRepo(newTestDB(t), logger.NewNop())
	ctx := context.Background()
	job := insertJob(t, r, "text", 5, time.Now().Add(-time.Second))

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ok, err := r.Claim(ctx, nil, job.ID, fmt.Sprintf("worker-%d", id))
			if err == nil && ok {
				wins <- fmt.Sprintf("worker-%d", id)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("winners: want=1 got=%d (%v)", len(winners), winners)
	}
	got, err := r.GetByID(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts after race: want=1 got=%d", got.Attempts)
	}
}

func TestQueueJobRepo_FetchEligibleOrdering(t *testing.T) {
	r := NewQueueJobRepo(newTestDB(t), logger.NewNop())
	ctx := context.Background()
	now := time.Now()

	low := insertJob(t, r, "text", 3, now.Add(-3*time.Second))
	highLate := insertJob(t, r, "text", 8, now.Add(-time.Second))
	highEarly := insertJob(t, r, "text", 8, now.Add(-2*time.Second))
	insertJob(t, r, "text", 9, now.Add(time.Hour))  // not yet eligible
	insertJob(t, r, "image", 9, now.Add(-time.Second)) // other queue

	jobs, err := r.FetchEligible(ctx, nil, []string{"text"}, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("eligible count: want=3 got=%d", len(jobs))
	}
	wantOrder := []uuid.UUID{highEarly.ID, highLate.ID, low.ID}
	for i, want := range wantOrder {
		if jobs[i].ID != want {
			t.Fatalf("order[%d]: want=%s got=%s", i, want, jobs[i].ID)
		}
	}
}

func TestQueueJobRepo_OwnershipGuards(t *testing.T) {
	r := NewQueueJobRepo(newTestDB(t), logger.NewNop())
	ctx := context.Background()
	job := insertJob(t, r, "text", 5, time.Now().Add(-time.Second))

	if _, err := r.Claim(ctx, nil, job.ID, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A worker that does not hold the lease cannot finish the job.
	ok, err := r.CompleteIfOwned(ctx, nil, job.ID, "worker-b", []byte(`{}`))
	if err != nil {
		t.Fatalf("complete other: %v", err)
	}
	if ok {
		t.Fatalf("complete by non-owner succeeded")
	}

	ok, err = r.CompleteIfOwned(ctx, nil, job.ID, "worker-a", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("complete owner: %v", err)
	}
	if !ok {
		t.Fatalf("complete by owner rejected")
	}

	// Completion is final: the stale owner cannot touch it either.
	ok, _ = r.FailIfOwned(ctx, nil, job.ID, "worker-a", "late failure")
	if ok {
		t.Fatalf("fail applied to a completed job")
	}
}

func TestQueueJobRepo_RescheduleClearsLease(t *testing.T) {
	r := NewQueueJobRepo(newTestDB(t), logger.NewNop())
	ctx := context.Background()
	job := insertJob(t, r, "text", 5, time.Now().Add(-time.Second))
	if _, err := r.Claim(ctx, nil, job.ID, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	at := time.Now().Add(30 * time.Second)
	ok, err := r.RescheduleIfOwned(ctx, nil, job.ID, "worker-a", at, "transient")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if !ok {
		t.Fatalf("reschedule rejected for owner")
	}

	got, err := r.GetByID(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.JobStatusPending {
		t.Fatalf("status: want=%q got=%q", types.JobStatusPending, got.Status)
	}
	if got.WorkerID != "" {
		t.Fatalf("worker_id not cleared: got=%q", got.WorkerID)
	}
	if got.ClaimedAt != nil {
		t.Fatalf("claimed_at not cleared")
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts: want=1 got=%d", got.Attempts)
	}
	if got.LastError != "transient" {
		t.Fatalf("last_error: want=%q got=%q", "transient", got.LastError)
	}

	// Not yet eligible before the backoff deadline.
	jobs, err := r.FetchEligible(ctx, nil, []string{"text"}, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("rescheduled job eligible too early: got=%d", len(jobs))
	}
}

func TestQueueJobRepo_CancelOnlyPending(t *testing.T) {
	r := NewQueueJobRepo(newTestDB(t), logger.NewNop())
	ctx := context.Background()

	pending := insertJob(t, r, "text", 5, time.Now().Add(-time.Second))
	ok, err := r.CancelIfPending(ctx, nil, pending.ID, "cancelled")
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if !ok {
		t.Fatalf("cancel of pending job rejected")
	}

	leased := insertJob(t, r, "text", 5, time.Now().Add(-time.Second))
	if _, err := r.Claim(ctx, nil, leased.ID, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err = r.CancelIfPending(ctx, nil, leased.ID, "cancelled")
	if err != nil {
		t.Fatalf("cancel leased: %v", err)
	}
	if ok {
		t.Fatalf("cancel applied to a leased job")
	}
}

func TestQueueJobRepo_ResetForRetry(t *testing.T) {
	r := NewQueueJobRepo(newTestDB(t), logger.NewNop())
	ctx := context.Background()
	job := insertJob(t, r, "text", 5, time.Now().Add(-time.Second))
	if _, err := r.Claim(ctx, nil, job.ID, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := r.FailIfOwned(ctx, nil, job.ID, "worker-a", "exhausted"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	ok, err := r.ResetForRetry(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !ok {
		t.Fatalf("reset rejected for failed job")
	}
	got, err := r.GetByID(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.JobStatusPending {
		t.Fatalf("status: want=%q got=%q", types.JobStatusPending, got.Status)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts: want=0 got=%d", got.Attempts)
	}
	if got.LastError != "" {
		t.Fatalf("last_error not cleared: got=%q", got.LastError)
	}

	// Only failed jobs reset.
	ok, _ = r.ResetForRetry(ctx, nil, job.ID)
	if ok {
		t.Fatalf("reset applied to a pending job")
	}
}

func TestQueueJobRepo_PurgeTerminalBefore(t *testing.T) {
	r := NewQueueJobRepo(newTestDB(t), logger.NewNop())
	ctx := context.Background()

	done := insertJob(t, r, "text", 5, time.Now().Add(-time.Second))
	if _, err := r.Claim(ctx, nil, done.ID, "w"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := r.CompleteIfOwned(ctx, nil, done.ID, "w", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	pending := insertJob(t, r, "text", 5, time.Now().Add(-time.Second))

	n, err := r.PurgeTerminalBefore(ctx, nil, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged: want=1 got=%d", n)
	}
	if got, _ := r.GetByID(ctx, nil, pending.ID); got == nil {
		t.Fatalf("pending job purged")
	}
	if got, _ := r.GetByID(ctx, nil, done.ID); got != nil {
		t.Fatalf("completed job survived purge")
	}
}
