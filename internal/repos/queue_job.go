package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/types"
)

type QueueJobRepo interface {
	Insert(ctx context.Context, tx *gorm.DB, job *types.QueueJob) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.QueueJob, error)
	// FetchEligible returns up to limit pending jobs for the given queues
	// whose scheduled_for has passed, ordered priority DESC then
	// scheduled_for ASC.
	FetchEligible(ctx context.Context, tx *gorm.DB, queueNames []string, limit int) ([]*types.QueueJob, error)
	// Claim is the lease: one conditional UPDATE setting status=processing,
	// worker_id, claimed_at and attempts+1, guarded by status='pending'.
	// Zero affected rows means a concurrent poller won the race.
	Claim(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string) (bool, error)
	CompleteIfOwned(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string, result []byte) (bool, error)
	FailIfOwned(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string, lastError string) (bool, error)
	// RescheduleIfOwned returns a leased job to pending for a later attempt,
	// clearing the lease. Attempts is left at its claim-time value.
	RescheduleIfOwned(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string, at time.Time, lastError string) (bool, error)
	CancelIfPending(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) (bool, error)
	ResetForRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error)
	InsertDeadLetter(ctx context.Context, tx *gorm.DB, dl *types.DeadLetterJob) error
	CountPendingByQueue(ctx context.Context, tx *gorm.DB) (map[string]int64, error)
	PurgeTerminalBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type queueJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueueJobRepo(db *gorm.DB, baseLog *logger.Logger) QueueJobRepo {
	return &queueJobRepo{
		db:  db,
		log: baseLog.With("repo", "QueueJobRepo"),
	}
}

func (r *queueJobRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *queueJobRepo) Insert(ctx context.Context, tx *gorm.DB, job *types.QueueJob) error {
	if job == nil {
		return errors.New("nil job")
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	if job.Status == "" {
		job.Status = types.JobStatusPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	return r.handle(tx).WithContext(ctx).Create(job).Error
}

func (r *queueJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.QueueJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.QueueJob
	err := r.handle(tx).WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *queueJobRepo) FetchEligible(ctx context.Context, tx *gorm.DB, queueNames []string, limit int) ([]*types.QueueJob, error) {
	if len(queueNames) == 0 || limit <= 0 {
		return nil, nil
	}
	var jobs []*types.QueueJob
	err := r.handle(tx).WithContext(ctx).
		Where("queue_name IN ? AND status = ? AND scheduled_for <= ?",
			queueNames, types.JobStatusPending, time.Now()).
		Order("priority DESC, scheduled_for ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *queueJobRepo) Claim(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string) (bool, error) {
	if id == uuid.Nil || workerID == "" {
		return false, nil
	}
	now := time.Now()
	res := r.handle(tx).WithContext(ctx).
		Model(&types.QueueJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     types.JobStatusProcessing,
			"worker_id":  workerID,
			"claimed_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *queueJobRepo) CompleteIfOwned(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string, result []byte) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":     types.JobStatusCompleted,
		"last_error": "",
		"updated_at": now,
	}
	if len(result) > 0 {
		updates["result"] = result
	}
	res := r.handle(tx).WithContext(ctx).
		Model(&types.QueueJob{}).
		Where("id = ? AND status = ? AND worker_id = ?", id, types.JobStatusProcessing, workerID).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *queueJobRepo) FailIfOwned(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string, lastError string) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := r.handle(tx).WithContext(ctx).
		Model(&types.QueueJob{}).
		Where("id = ? AND status = ? AND worker_id = ?", id, types.JobStatusProcessing, workerID).
		Updates(map[string]interface{}{
			"status":     types.JobStatusFailed,
			"last_error": lastError,
			"worker_id":  "",
			"claimed_at": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *queueJobRepo) RescheduleIfOwned(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string, at time.Time, lastError string) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := r.handle(tx).WithContext(ctx).
		Model(&types.QueueJob{}).
		Where("id = ? AND status = ? AND worker_id = ?", id, types.JobStatusProcessing, workerID).
		Updates(map[string]interface{}{
			"status":        types.JobStatusPending,
			"worker_id":     "",
			"claimed_at":    nil,
			"scheduled_for": at,
			"last_error":    lastError,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *queueJobRepo) CancelIfPending(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	res := r.handle(tx).WithContext(ctx).
		Model(&types.QueueJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     types.JobStatusFailed,
			"last_error": reason,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *queueJobRepo) ResetForRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := r.handle(tx).WithContext(ctx).
		Model(&types.QueueJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":        types.JobStatusPending,
			"attempts":      0,
			"worker_id":     "",
			"claimed_at":    nil,
			"last_error":    "",
			"scheduled_for": now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *queueJobRepo) InsertDeadLetter(ctx context.Context, tx *gorm.DB, dl *types.DeadLetterJob) error {
	if dl == nil {
		return errors.New("nil dead letter")
	}
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now()
	}
	return r.handle(tx).WithContext(ctx).Create(dl).Error
}

func (r *queueJobRepo) CountPendingByQueue(ctx context.Context, tx *gorm.DB) (map[string]int64, error) {
	type row struct {
		QueueName string
		N         int64
	}
	var rows []row
	err := r.handle(tx).WithContext(ctx).
		Model(&types.QueueJob{}).
		Select("queue_name, COUNT(*) AS n").
		Where("status = ?", types.JobStatusPending).
		Group("queue_name").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, rw := range rows {
		out[rw.QueueName] = rw.N
	}
	return out, nil
}

func (r *queueJobRepo) PurgeTerminalBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	res := r.handle(tx).WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]types.JobStatus{types.JobStatusCompleted, types.JobStatusFailed}, cutoff).
		Delete(&types.QueueJob{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
