package domain

import "time"

// SampleRate is the required input sample rate: mono 16 kHz float32 PCM.
const SampleRate = 16000

// NoSpeaker is the reserved diarization label for silence and non-speech.
const NoSpeaker = "NO_SPEAKER"

// JobStatus tracks the lifecycle of the single transcription job.
type JobStatus string

const (
	JobStatusIdle     JobStatus = "idle"
	JobStatusLoading  JobStatus = "loading"
	JobStatusReady    JobStatus = "ready"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusError    JobStatus = "error"
)

// Device selects the inference execution backend.
type Device string

const (
	// DeviceAccelerated runs inference on the GPU when available.
	DeviceAccelerated Device = "gpu"
	// DevicePortable forces CPU-only inference.
	DevicePortable Device = "cpu"
)

// Job stores identity, lifecycle status, and the loaded model selection.
type Job struct {
	ID      string    `json:"id"`
	Status  JobStatus `json:"status"`
	Device  Device    `json:"device,omitempty"`
	ModelID string    `json:"modelId,omitempty"`
}

// TranscriptChunk is one word- or token-granular piece of transcript with
// absolute start/end positions in seconds. Immutable once emitted.
type TranscriptChunk struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SpeakerSegment is one diarization frame: a time interval attributed to a
// raw speaker id, in increasing time order and non-overlapping.
type SpeakerSegment struct {
	SpeakerID  string  `json:"speakerId"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// MergedSegment is one speaker-labeled utterance in the final transcript.
type MergedSegment struct {
	SpeakerID string  `json:"speakerId"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Text      string  `json:"text"`
}

// ProgressState reports global run progress derived from window events.
// EstimatedSecondsRemaining is nil until at least one window has completed.
type ProgressState struct {
	ProcessedSeconds          float64  `json:"processedSeconds"`
	TotalSeconds              float64  `json:"totalSeconds"`
	EstimatedSecondsRemaining *float64 `json:"estimatedTimeRemaining"`
}

// TranscriptionResult is the final merged output of one run.
type TranscriptionResult struct {
	Transcript string            `json:"transcript"`
	Chunks     []TranscriptChunk `json:"chunks"`
	Segments   []MergedSegment   `json:"segments"`
}

// BackupSnapshot is the durable single-slot copy of in-progress job state.
type BackupSnapshot struct {
	Audio            []float32         `json:"audio"`
	Language         string            `json:"language"`
	TotalSeconds     float64           `json:"totalSeconds"`
	ProcessedSeconds float64           `json:"processedSeconds"`
	PartialResult    []TranscriptChunk `json:"partialResult,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}
