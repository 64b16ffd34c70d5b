package queue

import (
	"time"

	"github.com/forgeline/forgeline-backend/internal/types"
)

type EventType string

const (
	EventJobCompleted  EventType = "JOB_COMPLETED"
	EventJobFailed     EventType = "JOB_FAILED"
	EventJobRetrying   EventType = "JOB_RETRYING"
	EventWorkerStarted EventType = "WORKER_STARTED"
	EventWorkerStopped EventType = "WORKER_STOPPED"
)

// Event is a lifecycle notification from the engine. The orchestrator is
// the single consumer (it reconciles its admission counters from these);
// anything else observes the redis mirror instead.
type Event struct {
	Type           EventType
	Job            *types.QueueJob
	Result         []byte
	Error          string
	RetryAfter     time.Duration
	ProcessingTime time.Duration
	WorkerID       string
	QueueNames     []string
	At             time.Time
}
