package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"transcription-worker/internal/backup"
	"transcription-worker/internal/diarize"
	"transcription-worker/internal/domain"
	"transcription-worker/internal/engine"
	"transcription-worker/internal/jobs"
	"transcription-worker/internal/metrics"
	"transcription-worker/internal/progress"
)

// Config assembles the controller's collaborators and windowing geometry.
type Config struct {
	Loader            engine.Loader
	Backups           *backup.Manager
	Logger            *slog.Logger
	WindowSeconds     float64
	OverlapSeconds    float64
	SilenceGapSeconds float64
	MaxEvents         int
}

// Controller drives the transcription job: it sequences model loading,
// inference, diarization merging, and backup snapshots, and relays typed
// events to the host. Exactly one job may be active at a time; overlapping
// load/run commands are refused synchronously.
//
// Cancellation is destroy-and-recreate: Cancel rotates the execution
// context generation, so events still in flight from the terminated context
// are dropped at the publish boundary instead of leaking into a fresh one.
type Controller struct {
	log     *slog.Logger
	loader  engine.Loader
	jobs    *jobs.Manager
	bus     *EventBus
	backups *backup.Manager

	window     float64
	overlap    float64
	silenceGap float64

	mu         sync.Mutex
	generation string
	cancelRun  context.CancelFunc
	eng        engine.Engine
	modelID    string
}

// New creates an idle controller with a fresh execution context.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 30
	}
	if cfg.OverlapSeconds <= 0 || cfg.OverlapSeconds >= cfg.WindowSeconds {
		cfg.OverlapSeconds = 5
	}
	if cfg.SilenceGapSeconds <= 0 {
		cfg.SilenceGapSeconds = 1.5
	}

	return &Controller{
		log:        cfg.Logger,
		loader:     cfg.Loader,
		jobs:       jobs.NewManager(),
		bus:        NewEventBus(cfg.MaxEvents, cfg.Logger),
		backups:    cfg.Backups,
		window:     cfg.WindowSeconds,
		overlap:    cfg.OverlapSeconds,
		silenceGap: cfg.SilenceGapSeconds,
		generation: uuid.NewString(),
	}
}

// Events exposes the outbound event bus for host subscriptions.
func (c *Controller) Events() *EventBus {
	return c.bus
}

// Status returns current job metadata and status.
func (c *Controller) Status() domain.Job {
	return c.jobs.Current()
}

// Generation returns the current execution context identity. Hosts compare
// it against event generations to discard stale deliveries.
func (c *Controller) Generation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Load acquires an engine for the model asynchronously. A model id change
// discards the cached handle and reacquires from scratch. Returns
// jobs.ErrJobActive while another load or run is in flight.
func (c *Controller) Load(device domain.Device, modelID string) (domain.Job, error) {
	jobID := fmt.Sprintf("job-%d", time.Now().UnixNano())
	if err := c.jobs.BeginLoad(jobID, device, modelID); err != nil {
		return domain.Job{}, err
	}

	c.mu.Lock()
	gen := c.generation
	if c.eng != nil && c.modelID != modelID {
		// No mixed-model state: drop the cached handle before reacquiring.
		if err := c.eng.Close(); err != nil {
			c.log.Warn("failed to close cached engine", "error", err)
		}
		c.eng = nil
		c.modelID = ""
	}
	cached := c.eng
	c.mu.Unlock()

	go c.runLoad(gen, jobID, device, modelID, cached != nil)
	return c.jobs.Current(), nil
}

// runLoad performs engine acquisition and maps outcomes to events.
func (c *Controller) runLoad(gen, jobID string, device domain.Device, modelID string, cached bool) {
	if cached {
		c.publish(gen, Event{JobID: jobID, Type: EventLoading, Message: "Reusing cached model " + modelID})
		c.finishLoad(gen, jobID)
		return
	}

	c.publish(gen, Event{
		JobID:   jobID,
		Type:    EventLoading,
		Message: fmt.Sprintf("Loading model %s on %s", modelID, device),
	})

	started := time.Now()
	eng, err := c.loader.Load(context.Background(), device, modelID, func(artifact engine.ArtifactEvent) {
		c.publish(gen, Event{
			JobID:  jobID,
			Type:   artifactEventType(artifact.Status),
			File:   artifact.File,
			Loaded: artifact.Loaded,
			Total:  artifact.Total,
		})
	})
	if err != nil {
		c.failJob(gen, jobID, err)
		return
	}
	metrics.ModelLoadDuration.Observe(time.Since(started).Seconds())

	c.mu.Lock()
	if c.generation != gen {
		// Cancelled mid-load: the context was destroyed, discard the handle.
		c.mu.Unlock()
		_ = eng.Close()
		return
	}
	c.eng = eng
	c.modelID = modelID
	c.mu.Unlock()

	c.finishLoad(gen, jobID)
}

// finishLoad transitions to ready and emits the single loaded event.
func (c *Controller) finishLoad(gen, jobID string) {
	if err := c.jobs.Transition(domain.JobStatusReady); err != nil {
		c.log.Warn("ready transition rejected", "error", err)
		return
	}
	c.publish(gen, Event{JobID: jobID, Type: EventLoaded})
}

// Run transcribes the audio asynchronously. Requires a prior successful
// Load; returns jobs.ErrNotLoaded otherwise.
func (c *Controller) Run(audio []float32, language string) (domain.Job, error) {
	// Admission and context registration happen in one critical section so
	// a concurrent Cancel always finds a cancelRun to abort.
	c.mu.Lock()
	if c.eng == nil {
		c.mu.Unlock()
		return domain.Job{}, jobs.ErrNotLoaded
	}
	if err := c.jobs.BeginRun(); err != nil {
		c.mu.Unlock()
		return domain.Job{}, err
	}
	eng := c.eng
	gen := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	c.mu.Unlock()

	jobID := c.jobs.Current().ID
	go c.runTranscription(ctx, gen, jobID, eng, audio, language)
	return c.jobs.Current(), nil
}

// runTranscription executes one inference run end to end: streaming
// recognition, diarization, merging, and the terminal complete event.
func (c *Controller) runTranscription(ctx context.Context, gen, jobID string, eng engine.Engine, audio []float32, language string) {
	started := time.Now()
	total := float64(len(audio)) / domain.SampleRate
	est := progress.NewEstimator(c.window, c.overlap, total, nil)

	if ctx.Err() != nil {
		return
	}
	if c.backups != nil {
		c.backups.Begin(domain.BackupSnapshot{
			Audio:        audio,
			Language:     language,
			TotalSeconds: total,
			Timestamp:    time.Now().UTC(),
		})
	}

	var partial []domain.TranscriptChunk
	var pendingStart float64
	var pendingText strings.Builder

	chunks, err := eng.Transcribe(ctx, audio, language, engine.StreamCallbacks{
		OnToken: func(text string) {
			pendingText.WriteString(text)
			c.publish(gen, Event{
				JobID:          jobID,
				Type:           EventTranscribing,
				Text:           text,
				TokenTimestamp: time.Now().UnixMilli(),
			})
		},
		OnChunkStart: func(rel float64) {
			abs := est.Absolute(rel)
			pendingStart = abs
			pendingText.Reset()
			c.publish(gen, Event{JobID: jobID, Type: EventChunkStart, Data: &abs})
			if _, accepted := est.Observe(rel); accepted {
				c.publishProgress(gen, jobID, est)
			}
		},
		OnChunkEnd: func(rel float64) {
			abs := est.Absolute(rel)
			c.publish(gen, Event{JobID: jobID, Type: EventChunkEnd, Data: &abs})
			if _, accepted := est.Observe(rel); accepted {
				c.publishProgress(gen, jobID, est)
			}
			if abs > pendingStart {
				partial = append(partial, domain.TranscriptChunk{
					Text:  pendingText.String(),
					Start: pendingStart,
					End:   abs,
				})
			}
			if c.backups != nil {
				c.backups.Update(est.Processed(), partial)
			}
		},
		OnWindowDone: func() {
			est.FinalizeWindow()
			metrics.RecordWindowProcessed()
			c.publishProgress(gen, jobID, est)
		},
	})
	if err != nil {
		if c.backups != nil {
			// Keep the slot: an interrupted run stays resumable.
			c.backups.Stop()
		}
		if ctx.Err() != nil {
			// Terminated context; its events are already being dropped.
			c.log.Debug("run aborted by cancellation", "jobId", jobID)
			return
		}
		c.failJob(gen, jobID, err)
		metrics.RecordJob("error")
		return
	}

	est.Finish()
	c.publishProgress(gen, jobID, est)

	c.publish(gen, Event{JobID: jobID, Type: EventUpdate, Message: "Identifying speakers"})

	frames, err := eng.Diarize(ctx, audio)
	if errors.Is(err, engine.ErrDiarizerUnavailable) {
		frames = diarize.GapFrames(chunks, c.silenceGap)
		err = nil
	}
	if err != nil {
		if c.backups != nil {
			c.backups.Stop()
		}
		if ctx.Err() != nil {
			return
		}
		c.failJob(gen, jobID, err)
		metrics.RecordJob("error")
		return
	}

	// An engine that ignores its context may still return success after a
	// cancel; the slot must survive, so never finish a cancelled run.
	if ctx.Err() != nil {
		if c.backups != nil {
			c.backups.Stop()
		}
		return
	}

	if dropped := diarize.DroppedTrailing(chunks, frames); dropped > 0 {
		c.log.Debug("dropping unattributed trailing chunks", "jobId", jobID, "count", dropped)
	}
	segments := diarize.Canonicalize(diarize.Merge(chunks, frames))

	result := &domain.TranscriptionResult{
		Transcript: joinChunks(chunks),
		Chunks:     chunks,
		Segments:   segments,
	}

	if c.backups != nil {
		c.backups.Finish()
	}

	if err := c.jobs.Transition(domain.JobStatusComplete); err != nil {
		c.log.Warn("complete transition rejected", "error", err)
		return
	}

	elapsed := time.Since(started)
	metrics.RecordJob("complete")
	metrics.JobDuration.Observe(elapsed.Seconds())
	c.publish(gen, Event{
		JobID:  jobID,
		Type:   EventComplete,
		Result: result,
		TimeMS: elapsed.Milliseconds(),
	})
}

// CheckBackup reads the snapshot slot and emits a backup_check event.
func (c *Controller) CheckBackup() (domain.BackupSnapshot, bool, error) {
	if c.backups == nil {
		return domain.BackupSnapshot{}, false, nil
	}

	snapshot, ok, err := c.backups.Check()
	if err != nil {
		c.log.Error("backup check failed", "error", err)
		return domain.BackupSnapshot{}, false, err
	}

	event := Event{Type: EventBackupCheck, HasBackup: &ok}
	if ok {
		event.Backup = &snapshot
	}
	c.publish(c.Generation(), event)
	return snapshot, ok, nil
}

// ClearBackup deletes the snapshot slot and emits backup_cleared. Valid
// with or without a running job.
func (c *Controller) ClearBackup() error {
	if c.backups == nil {
		return nil
	}

	if err := c.backups.Clear(); err != nil {
		c.log.Error("backup clear failed", "error", err)
		return err
	}

	c.publish(c.Generation(), Event{Type: EventBackupCleared})
	return nil
}

// Cancel destroys the current execution context: the generation rotates so
// in-flight events are dropped, any running inference is aborted, the
// engine handle is discarded, and status returns to idle. The host must
// reissue load before the next run. The backup slot is left intact.
func (c *Controller) Cancel() {
	c.mu.Lock()
	c.generation = uuid.NewString()
	cancel := c.cancelRun
	c.cancelRun = nil
	eng := c.eng
	c.eng = nil
	c.modelID = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if eng != nil {
		if err := eng.Close(); err != nil {
			c.log.Warn("failed to close engine on cancel", "error", err)
		}
	}
	if c.backups != nil {
		c.backups.Stop()
	}

	c.jobs.Reset()
	metrics.RecordJob("cancelled")
}

// failJob converts any failure into the single terminal error event and
// returns the controller to idle; errors are never retried here.
func (c *Controller) failJob(gen, jobID string, err error) {
	c.log.Error("job failed", "jobId", jobID, "error", err)
	if terr := c.jobs.Transition(domain.JobStatusError); terr != nil {
		c.log.Warn("error transition rejected", "error", terr)
	}
	c.publish(gen, Event{JobID: jobID, Type: EventError, Error: err.Error()})
	c.jobs.Reset()
}

// publish forwards an event unless its execution context has been
// destroyed, in which case the event is silently dropped.
func (c *Controller) publish(gen string, event Event) {
	c.mu.Lock()
	current := c.generation
	c.mu.Unlock()

	if gen != current {
		c.log.Debug("dropping stale event", "type", event.Type, "generation", gen)
		return
	}

	event.Generation = gen
	c.bus.Publish(event)
}

// publishProgress emits a processing_progress event from the estimator.
func (c *Controller) publishProgress(gen, jobID string, est *progress.Estimator) {
	state := est.Snapshot()
	c.publish(gen, Event{
		JobID:    jobID,
		Type:     EventProcessingProgress,
		Progress: &state,
	})
}

// artifactEventType maps engine artifact statuses to protocol events.
func artifactEventType(status engine.ArtifactStatus) EventType {
	switch status {
	case engine.ArtifactInitiate:
		return EventInitiate
	case engine.ArtifactDone:
		return EventDone
	default:
		return EventProgress
	}
}

// joinChunks concatenates chunk texts into the plain transcript.
func joinChunks(chunks []domain.TranscriptChunk) string {
	var out strings.Builder
	for _, chunk := range chunks {
		out.WriteString(chunk.Text)
	}
	return strings.TrimSpace(out.String())
}
