// Package engine defines the boundary to the opaque inference capability:
// model acquisition, windowed streaming speech recognition, and one-shot
// speaker diarization. The production implementation shells out to external
// whisper.cpp and diarizer binaries; the controller only sees the interfaces.
package engine

import (
	"context"
	"errors"

	"transcription-worker/internal/domain"
)

// ErrDiarizerUnavailable is returned by Diarize when no diarization backend
// is configured. Callers may substitute a heuristic segmentation.
var ErrDiarizerUnavailable = errors.New("no diarizer configured")

// ArtifactStatus classifies model artifact acquisition progress events.
type ArtifactStatus string

const (
	ArtifactInitiate ArtifactStatus = "initiate"
	ArtifactProgress ArtifactStatus = "progress"
	ArtifactDone     ArtifactStatus = "done"
)

// ArtifactEvent reports acquisition progress for one model artifact, keyed
// by file name.
type ArtifactEvent struct {
	File   string
	Status ArtifactStatus
	Loaded int64
	Total  int64
}

// StreamCallbacks receives streaming inference events during Transcribe.
// Timestamps passed to OnChunkStart/OnChunkEnd are relative to the current
// window's own start, not the absolute audio timeline. OnWindowDone fires
// once after each completed window. Nil callbacks are skipped.
type StreamCallbacks struct {
	OnToken      func(text string)
	OnChunkStart func(windowRelSeconds float64)
	OnChunkEnd   func(windowRelSeconds float64)
	OnWindowDone func()
}

// Engine is one acquired model handle. At most one Transcribe or Diarize
// call may be in flight per handle.
type Engine interface {
	// Transcribe runs streaming recognition over mono 16 kHz float32 PCM
	// and returns deduplicated chunks with absolute timestamps.
	Transcribe(ctx context.Context, audio []float32, language string, cb StreamCallbacks) ([]domain.TranscriptChunk, error)

	// Diarize runs the speaker-segmentation pass over the entire audio in
	// one shot, returning time-ordered non-overlapping frames.
	Diarize(ctx context.Context, audio []float32) ([]domain.SpeakerSegment, error)

	// Close releases the handle.
	Close() error
}

// Loader acquires engine handles. Acquisition may download model artifacts,
// reported through onArtifact.
type Loader interface {
	Load(ctx context.Context, device domain.Device, modelID string, onArtifact func(ArtifactEvent)) (Engine, error)
}
