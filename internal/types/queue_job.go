package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// QueueJob is a leasable unit of execution bound 1:1 to a Generation at
// creation time. A job is eligible for leasing iff status=pending and
// scheduled_for <= now. Attempts is incremented atomically with the claim.
type QueueJob struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	QueueName    string         `gorm:"column:queue_name;not null;index:idx_queue_job_eligible" json:"queue_name"`
	GenerationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"generation_id"`
	Priority     int            `gorm:"column:priority;not null;default:5" json:"priority"`
	Data         datatypes.JSON `gorm:"column:data;type:jsonb" json:"data,omitempty"`
	Attempts     int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts  int            `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	ScheduledFor time.Time      `gorm:"column:scheduled_for;not null;index:idx_queue_job_eligible" json:"scheduled_for"`
	Status       JobStatus      `gorm:"column:status;not null;index:idx_queue_job_eligible" json:"status"`
	WorkerID     string         `gorm:"column:worker_id;index" json:"worker_id,omitempty"`
	ClaimedAt    *time.Time     `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	LastError    string         `gorm:"column:last_error" json:"last_error,omitempty"`
	Result       datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (QueueJob) TableName() string { return "queue_job" }

// DeadLetterJob mirrors a job that exhausted its retry budget. Rows are kept
// for manual inspection and replay via the admin retry path.
type DeadLetterJob struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID        uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex" json:"job_id"`
	QueueName    string         `gorm:"column:queue_name;not null;index" json:"queue_name"`
	GenerationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"generation_id"`
	Attempts     int            `gorm:"column:attempts;not null" json:"attempts"`
	LastError    string         `gorm:"column:last_error" json:"last_error,omitempty"`
	Data         datatypes.JSON `gorm:"column:data;type:jsonb" json:"data,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
}

func (DeadLetterJob) TableName() string { return "dead_letter_job" }
