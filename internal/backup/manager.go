package backup

import (
	"log/slog"
	"sync"
	"time"

	"transcription-worker/internal/domain"
	"transcription-worker/internal/metrics"
)

// DefaultInterval is the snapshot write period while a job is running.
const DefaultInterval = 20 * time.Second

// Manager periodically serializes the running job's snapshot to the durable
// slot and checks for a recoverable snapshot on demand. Writes are
// best-effort: a failed write is logged and never fails the job. The manager
// exclusively owns slot writes and deletes; hosts only read and request
// deletion through Check and Clear.
type Manager struct {
	store    Store
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	snapshot domain.BackupSnapshot
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a manager writing to store every interval. A zero
// interval falls back to DefaultInterval.
func NewManager(store Store, interval time.Duration, log *slog.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:    store,
		interval: interval,
		log:      log,
	}
}

// Begin seeds the in-memory snapshot and starts the interval writer. Any
// previous writer is stopped first.
func (m *Manager) Begin(snapshot domain.BackupSnapshot) {
	m.Stop()

	m.mu.Lock()
	m.snapshot = snapshot
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stop = stop
	m.done = done
	m.mu.Unlock()

	go m.writeLoop(stop, done)
}

// Update refreshes the mutable fields of the pending snapshot.
func (m *Manager) Update(processedSeconds float64, partial []domain.TranscriptChunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.ProcessedSeconds = processedSeconds
	m.snapshot.PartialResult = partial
	m.snapshot.Timestamp = time.Now().UTC()
}

// Stop halts the interval writer without touching the stored slot, so an
// interrupted job remains resumable.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Finish halts the interval writer and deletes the slot unconditionally,
// for use on successful completion.
func (m *Manager) Finish() {
	m.Stop()
	if err := m.store.Delete(); err != nil {
		m.log.Error("failed to delete backup slot", "error", err)
	}
}

// Check reads the slot without mutating it.
func (m *Manager) Check() (domain.BackupSnapshot, bool, error) {
	return m.store.Read()
}

// Clear deletes the slot; valid with or without a running job.
func (m *Manager) Clear() error {
	return m.store.Delete()
}

// writeLoop flushes the snapshot once per interval until stopped.
func (m *Manager) writeLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeOnce()
		}
	}
}

// writeOnce serializes the current snapshot; failures are logged only.
func (m *Manager) writeOnce() {
	m.mu.Lock()
	snapshot := m.snapshot
	m.mu.Unlock()

	if err := m.store.Write(snapshot); err != nil {
		metrics.RecordBackupWrite(false)
		m.log.Error("backup write failed", "error", err)
		return
	}
	metrics.RecordBackupWrite(true)
}
