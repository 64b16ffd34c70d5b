package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AdmissionTracker counts in-flight generations per organization. The count
// is process-local: it is incremented on successful admission and
// decremented when the engine reports the backing job terminal. It can
// drift from the store after a crash; the ceiling is a soft guard, the
// credit ledger is the hard one.
type AdmissionTracker struct {
	mu      sync.Mutex
	active  map[uuid.UUID]int
	ceiling int
}

func NewAdmissionTracker(ceiling int) *AdmissionTracker {
	if ceiling <= 0 {
		ceiling = 5
	}
	return &AdmissionTracker{
		active:  make(map[uuid.UUID]int),
		ceiling: ceiling,
	}
}

// TryAcquire admits one generation for the org unless it is at the ceiling.
func (t *AdmissionTracker) TryAcquire(orgID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[orgID] >= t.ceiling {
		return false
	}
	t.active[orgID]++
	return true
}

func (t *AdmissionTracker) Release(orgID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[orgID] > 0 {
		t.active[orgID]--
	}
	if t.active[orgID] == 0 {
		delete(t.active, orgID)
	}
}

func (t *AdmissionTracker) Active(orgID uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[orgID]
}

// Tracked reports whether the org currently has an in-memory entry.
func (t *AdmissionTracker) Tracked(orgID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[orgID]
	return ok
}

// PrimeIfAbsent seeds an untracked org's counter from the durable store,
// restoring back-pressure after a restart. A live in-process count is never
// overwritten by a stale snapshot.
func (t *AdmissionTracker) PrimeIfAbsent(orgID uuid.UUID, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[orgID]; ok {
		return
	}
	t.active[orgID] = n
}

// ProcessingLock collapses concurrent requests carrying the same
// idempotency key inside one process. The durable unique index on
// (organization_id, idempotency_key) stays authoritative across processes;
// this lock only spares the second caller a constraint violation. Entries
// expire so a crashed holder cannot wedge a key forever.
type ProcessingLock struct {
	mu   sync.Mutex
	held map[string]time.Time
	ttl  time.Duration
}

func NewProcessingLock(ttl time.Duration) *ProcessingLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ProcessingLock{
		held: make(map[string]time.Time),
		ttl:  ttl,
	}
}

func (l *ProcessingLock) TryLock(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, at := range l.held {
		if now.Sub(at) > l.ttl {
			delete(l.held, k)
		}
	}
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = now
	return true
}

func (l *ProcessingLock) Unlock(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}
