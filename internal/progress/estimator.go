package progress

import (
	"time"

	"transcription-worker/internal/domain"
)

// nullDebounce is how long a vanished estimate is held before the reported
// ETA goes nil, so transient gaps do not flicker the host display.
const nullDebounce = 300 * time.Millisecond

// Estimator reconstructs absolute audio position from window-relative
// timestamps emitted by the streaming engine and derives an ETA from the
// observed processing rate. All methods are synchronous and non-blocking;
// the estimator is owned by a single run and never shared.
type Estimator struct {
	window  float64
	overlap float64
	total   float64

	windowIndex int
	processed   float64

	now       func() time.Time
	startedAt time.Time

	estimate *float64
	nilSince time.Time
}

// NewEstimator creates an estimator for one run over totalSeconds of audio.
// The engine processes fixed windowSeconds windows that overlap the previous
// window by overlapSeconds. A nil now falls back to time.Now.
func NewEstimator(windowSeconds, overlapSeconds, totalSeconds float64, now func() time.Time) *Estimator {
	if now == nil {
		now = time.Now
	}
	return &Estimator{
		window:    windowSeconds,
		overlap:   overlapSeconds,
		total:     totalSeconds,
		now:       now,
		startedAt: now(),
	}
}

// Absolute converts a window-relative timestamp to a clamped absolute
// position on the audio timeline for the current window.
func (e *Estimator) Absolute(windowRelSeconds float64) float64 {
	offset := (e.window - e.overlap) * float64(e.windowIndex)
	abs := offset + windowRelSeconds
	if abs < 0 {
		return 0
	}
	if abs > e.total {
		return e.total
	}
	return abs
}

// Observe feeds one window-relative timestamp. The returned position is
// monotonic: readings that would move backward across overlapping windows
// are dropped, not clamped-and-reported, and accepted is false for them.
func (e *Estimator) Observe(windowRelSeconds float64) (processed float64, accepted bool) {
	abs := e.Absolute(windowRelSeconds)
	if abs <= e.processed {
		return e.processed, false
	}
	e.processed = abs
	return e.processed, true
}

// FinalizeWindow marks the current window complete, advances the window
// offset, and recomputes the ETA from throughput since the run began.
func (e *Estimator) FinalizeWindow() {
	e.windowIndex++

	elapsed := e.now().Sub(e.startedAt).Seconds()
	if elapsed <= 0 || e.processed <= 0 {
		e.setEstimate(nil)
		return
	}

	rate := e.processed / elapsed
	remaining := (e.total - e.processed) / rate
	if remaining < 0 {
		remaining = 0
	}
	e.setEstimate(&remaining)
}

// Finish forces the processed position to the full duration and zeroes the
// ETA, for use after the engine reports successful end of stream.
func (e *Estimator) Finish() {
	e.processed = e.total
	remaining := 0.0
	e.setEstimate(&remaining)
}

// Processed returns the confirmed absolute position in seconds.
func (e *Estimator) Processed() float64 {
	return e.processed
}

// WindowIndex returns the number of completed windows.
func (e *Estimator) WindowIndex() int {
	return e.windowIndex
}

// Snapshot returns the current progress state with the debounced ETA.
func (e *Estimator) Snapshot() domain.ProgressState {
	return domain.ProgressState{
		ProcessedSeconds:          e.processed,
		TotalSeconds:              e.total,
		EstimatedSecondsRemaining: e.remaining(),
	}
}

// setEstimate records a new ETA. A non-nil value replaces any pending nil
// immediately; a nil value only starts the debounce clock.
func (e *Estimator) setEstimate(v *float64) {
	if v != nil {
		e.estimate = v
		e.nilSince = time.Time{}
		return
	}
	if e.estimate != nil && e.nilSince.IsZero() {
		e.nilSince = e.now()
	}
}

// remaining returns the ETA, letting a pending nil take effect only after
// the debounce interval has elapsed.
func (e *Estimator) remaining() *float64 {
	if !e.nilSince.IsZero() && e.now().Sub(e.nilSince) >= nullDebounce {
		e.estimate = nil
		e.nilSince = time.Time{}
	}
	return e.estimate
}
