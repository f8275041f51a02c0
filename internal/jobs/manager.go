package jobs

import (
	"errors"
	"fmt"
	"sync"

	"transcription-worker/internal/domain"
)

// ErrJobActive is returned when a load or run is requested while one is in flight.
var ErrJobActive = errors.New("job already active")

// ErrNotLoaded is returned when run is requested before a successful load.
var ErrNotLoaded = errors.New("model not loaded")

// Manager tracks the single allowed job and validates its transitions.
type Manager struct {
	mu      sync.RWMutex
	current domain.Job
}

// NewManager creates a manager in idle state.
func NewManager() *Manager {
	return &Manager{
		current: domain.Job{
			Status: domain.JobStatusIdle,
		},
	}
}

// BeginLoad creates a new job and moves it to loading state.
func (m *Manager) BeginLoad(jobID string, device domain.Device, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isActive(m.current.Status) {
		return ErrJobActive
	}

	m.current = domain.Job{
		ID:      jobID,
		Status:  domain.JobStatusLoading,
		Device:  device,
		ModelID: modelID,
	}
	return nil
}

// BeginRun moves a loaded job to running state.
func (m *Manager) BeginRun() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.current.Status {
	case domain.JobStatusLoading, domain.JobStatusRunning:
		return ErrJobActive
	case domain.JobStatusReady, domain.JobStatusComplete:
		m.current.Status = domain.JobStatusRunning
		return nil
	default:
		return ErrNotLoaded
	}
}

// Transition validates and applies state transitions for the current job.
func (m *Manager) Transition(status domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.ID == "" && status != domain.JobStatusIdle {
		return fmt.Errorf("cannot transition without an active job")
	}
	if status == m.current.Status {
		return nil
	}
	if !isValidTransition(m.current.Status, status) {
		return fmt.Errorf("invalid transition: %s -> %s", m.current.Status, status)
	}

	m.current.Status = status
	return nil
}

// Current returns a snapshot of the current job.
func (m *Manager) Current() domain.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reset clears job metadata and returns the manager to idle. Used by
// cancellation, which discards in-flight work rather than waiting for it.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = domain.Job{Status: domain.JobStatusIdle}
}

// IsActive reports whether a load or run is currently in flight.
func (m *Manager) IsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return isActive(m.current.Status)
}

// isActive checks if a status represents in-flight engine work.
func isActive(status domain.JobStatus) bool {
	switch status {
	case domain.JobStatusLoading, domain.JobStatusRunning:
		return true
	default:
		return false
	}
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to domain.JobStatus) bool {
	switch from {
	case domain.JobStatusIdle:
		return to == domain.JobStatusLoading
	case domain.JobStatusLoading:
		return to == domain.JobStatusReady || to == domain.JobStatusError || to == domain.JobStatusIdle
	case domain.JobStatusReady:
		return to == domain.JobStatusRunning || to == domain.JobStatusLoading || to == domain.JobStatusIdle
	case domain.JobStatusRunning:
		return to == domain.JobStatusComplete || to == domain.JobStatusError || to == domain.JobStatusIdle
	case domain.JobStatusComplete, domain.JobStatusError:
		return to == domain.JobStatusLoading || to == domain.JobStatusRunning || to == domain.JobStatusIdle
	default:
		return false
	}
}
