package monitor

import (
	"errors"
	"sync"
	"time"

	"github.com/nicktill/histqueue/pkg/queue"
	"github.com/nicktill/histqueue/pkg/tracker"
)

// maxConsecutiveErrors is how many failed cycles in a row are tolerated
// before the puller is reported unhealthy.
const maxConsecutiveErrors = 3

// CycleMonitor tracks extraction cycle health and failures.
type CycleMonitor struct {
	mu                sync.RWMutex
	staleAfter        time.Duration
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	unrecoverable     bool
	recoveries        int
	totalPoints       int64
	lastWindow        *queue.Window
	lastPoints        int
}

// NewCycleMonitor creates a monitor that reports unhealthy when no cycle
// has succeeded for staleAfter.
func NewCycleMonitor(staleAfter time.Duration) *CycleMonitor {
	return &CycleMonitor{staleAfter: staleAfter}
}

// RecordSuccess records a successful cycle.
func (cm *CycleMonitor) RecordSuccess(cycle *queue.Cycle) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastSuccess = time.Now()
	cm.lastAttempt = cm.lastSuccess
	cm.consecutiveErrors = 0
	cm.lastError = ""
	cm.unrecoverable = false

	if cycle == nil {
		return
	}
	w := cycle.Window
	cm.lastWindow = &w
	cm.lastPoints = len(cycle.Points)
	cm.totalPoints += int64(len(cycle.Points))
	if cycle.Recovered {
		cm.recoveries++
	}
}

// RecordFailure records a failed cycle.
func (cm *CycleMonitor) RecordFailure(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastAttempt = time.Now()
	cm.consecutiveErrors++
	if err != nil {
		cm.lastError = err.Error()
		cm.unrecoverable = errors.Is(err, tracker.ErrUnrecoverable)
	}
}

// RecordSkip records an attempt that had nothing to export.
func (cm *CycleMonitor) RecordSkip() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastAttempt = time.Now()
}

// IsHealthy returns true if extraction is keeping up.
// Unhealthy conditions:
//   - Never succeeded
//   - No success within the stale threshold
//   - More than 3 consecutive failures
//   - The time tracker is unrecoverable
func (cm *CycleMonitor) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.healthyLocked()
}

func (cm *CycleMonitor) healthyLocked() bool {
	if cm.lastSuccess.IsZero() || cm.unrecoverable {
		return false
	}
	if cm.staleAfter > 0 && time.Since(cm.lastSuccess) > cm.staleAfter {
		return false
	}
	return cm.consecutiveErrors <= maxConsecutiveErrors
}

// CycleStatus is the cycle health reported by health checks.
type CycleStatus struct {
	Healthy           bool          `json:"healthy"`
	LastSuccess       string        `json:"last_success,omitempty"`
	TimeSinceSuccess  string        `json:"time_since_success,omitempty"`
	LastAttempt       string        `json:"last_attempt,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	Unrecoverable     bool          `json:"tracker_unrecoverable,omitempty"`
	Recoveries        int           `json:"tracker_recoveries,omitempty"`
	LastWindow        *queue.Window `json:"last_window,omitempty"`
	LastPoints        int           `json:"last_points"`
	TotalPoints       int64         `json:"total_points"`
}

// Status returns current cycle status for health checks.
func (cm *CycleMonitor) Status() CycleStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := CycleStatus{
		Healthy:       cm.healthyLocked(),
		Unrecoverable: cm.unrecoverable,
		Recoveries:    cm.recoveries,
		LastWindow:    cm.lastWindow,
		LastPoints:    cm.lastPoints,
		TotalPoints:   cm.totalPoints,
	}

	if !cm.lastSuccess.IsZero() {
		status.LastSuccess = cm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(cm.lastSuccess).String()
	}

	if !cm.lastAttempt.IsZero() {
		status.LastAttempt = cm.lastAttempt.Format(time.RFC3339)
	}

	if cm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = cm.consecutiveErrors
		status.LastError = cm.lastError
	}

	return status
}
