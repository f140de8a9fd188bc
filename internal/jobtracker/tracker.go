// Package jobtracker maintains in-memory progress for bulk enrollment
// batches. A POST /enroll/bulk submission fans out into one task per
// (student, period, group) tuple on the single-group route; this tracker
// gives a caller a single percent-complete view of that whole batch
// instead of having to poll every individual task id.
package jobtracker

import (
	"sync"
	"time"
)

// Progress is the current state of one bulk submission, keyed by its
// top-level correlation id (dispatcher.Bulk's topKey).
type Progress struct {
	JobID       string    `json:"job_id"`
	Percent     int       `json:"percent"` // 0-100
	Message     string    `json:"message"` // e.g. "3/8 groups enrolled"
	Phase       string    `json:"phase"`   // "queued", "processing", "done"
	UpdatedAt   time.Time `json:"updated_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Tracker maintains in-memory progress for bulk enrollment batches. It is
// deliberately lightweight: the durable record of each group's outcome
// still lives in the task queue, this only answers "how far along is the
// batch as a whole".
type Tracker struct {
	mu       sync.RWMutex
	progress map[string]*Progress
	ttl      time.Duration
	maxSize  int
}

// New creates a tracker that forgets a batch ttl after its last update.
func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	t := &Tracker{
		progress: make(map[string]*Progress),
		ttl:      ttl,
		maxSize:  10000,
	}
	go t.cleanupLoop()
	return t
}

// Update sets the progress for a batch.
func (t *Tracker) Update(jobID string, percent int, message, phase string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.progress[jobID]
	if !ok {
		if t.maxSize > 0 && len(t.progress) >= t.maxSize {
			return
		}
		p = &Progress{JobID: jobID}
		t.progress[jobID] = p
	}
	p.Percent = percent
	p.Message = message
	p.Phase = phase
	p.UpdatedAt = now
	p.HeartbeatAt = now
}

// Heartbeat refreshes a batch's heartbeat without changing its progress.
func (t *Tracker) Heartbeat(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.progress[jobID]; ok {
		p.HeartbeatAt = time.Now()
	}
}

// Get returns a batch's progress, or nil if it isn't tracked.
func (t *Tracker) Get(jobID string) *Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.progress[jobID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Remove deletes a batch's progress entry once it is no longer useful.
func (t *Tracker) Remove(jobID string) {
	t.mu.Lock()
	delete(t.progress, jobID)
	t.mu.Unlock()
}

// IsStale reports whether a batch's heartbeat is older than timeout.
func (t *Tracker) IsStale(jobID string, timeout time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.progress[jobID]
	if !ok {
		return true
	}
	return time.Since(p.HeartbeatAt) > timeout
}

// ListActive returns every currently tracked batch.
func (t *Tracker) ListActive() []*Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Progress, 0, len(t.progress))
	for _, p := range t.progress {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// cleanupLoop periodically forgets batches nobody has touched in ttl.
func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()
		now := time.Now()
		for id, p := range t.progress {
			if now.Sub(p.HeartbeatAt) > t.ttl {
				delete(t.progress, id)
			}
		}
		t.mu.Unlock()
	}
}
