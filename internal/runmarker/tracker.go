package runmarker

import (
	"context"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// LastRunTracker records which calendar days an automation job has already
// run on. Claim is atomic: exactly one caller per job and day gets true.
type LastRunTracker interface {
	Claim(ctx context.Context, job string, day string) (bool, error)
	// Release drops a claim so a failed run can be retried the same day.
	Release(ctx context.Context, job string, day string) error
}

// Day formats t as a calendar day in loc.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}

type MemoryTracker struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{claimed: make(map[string]struct{})}
}

func (t *MemoryTracker) Claim(_ context.Context, job string, day string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := markerKey(job, day)
	if _, ok := t.claimed[key]; ok {
		return false, nil
	}
	t.claimed[key] = struct{}{}
	return true, nil
}

func (t *MemoryTracker) Release(_ context.Context, job string, day string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.claimed, markerKey(job, day))
	return nil
}

func markerKey(job string, day string) string {
	return "poolcare:lastrun:" + job + ":" + day
}
