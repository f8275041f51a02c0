package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/youpy/go-wav"

	"transcription-worker/internal/domain"
)

// Config selects the external binaries and windowing geometry for the
// whisper.cpp-backed engine.
type Config struct {
	WhisperPath    string
	DiarizerPath   string
	ModelDir       string
	WindowSeconds  float64
	OverlapSeconds float64
}

// WhisperLoader acquires whisper.cpp engine handles, downloading model
// artifacts on first use.
type WhisperLoader struct {
	cfg        Config
	runner     commandRunner
	httpClient *http.Client
	stat       func(name string) (os.FileInfo, error)
	lookPath   func(file string) (string, error)
	mkdirTemp  func(dir, pattern string) (string, error)
	removeAll  func(path string) error
}

// NewWhisperLoader constructs the production loader with OS dependencies.
func NewWhisperLoader(cfg Config) *WhisperLoader {
	if cfg.WhisperPath == "" {
		cfg.WhisperPath = "whisper-cli"
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 30
	}
	if cfg.OverlapSeconds <= 0 || cfg.OverlapSeconds >= cfg.WindowSeconds {
		cfg.OverlapSeconds = 5
	}

	return &WhisperLoader{
		cfg:        cfg,
		runner:     &execRunner{},
		httpClient: &http.Client{Timeout: modelDownloadTimeout},
		stat:       os.Stat,
		lookPath:   exec.LookPath,
		mkdirTemp:  os.MkdirTemp,
		removeAll:  os.RemoveAll,
	}
}

// Load verifies tooling, ensures the model artifact is present locally, and
// returns a ready engine handle for the requested device.
func (l *WhisperLoader) Load(ctx context.Context, device domain.Device, modelID string, onArtifact func(ArtifactEvent)) (Engine, error) {
	model, found := modelByID(modelID)
	if !found {
		return nil, &Error{
			Stage:   "acquisition",
			Message: fmt.Sprintf("unknown model id: %s", modelID),
		}
	}

	if _, err := l.lookPath(l.cfg.WhisperPath); err != nil {
		return nil, &Error{
			Stage:   "acquisition",
			Message: fmt.Sprintf("whisper binary not found: %s", l.cfg.WhisperPath),
			Err:     err,
		}
	}

	modelPath := filepath.Join(l.cfg.ModelDir, model.FileName)
	info, err := l.stat(modelPath)
	switch {
	case err == nil:
		if onArtifact != nil {
			onArtifact(ArtifactEvent{File: model.FileName, Status: ArtifactInitiate, Total: info.Size()})
			onArtifact(ArtifactEvent{File: model.FileName, Status: ArtifactDone, Loaded: info.Size(), Total: info.Size()})
		}
	case os.IsNotExist(err):
		if err := l.downloadModel(model, modelPath, onArtifact); err != nil {
			return nil, &Error{
				Stage:   "acquisition",
				Message: err.Error(),
				Err:     err,
			}
		}
	default:
		return nil, &Error{
			Stage:   "acquisition",
			Message: fmt.Sprintf("cannot access model path: %s", modelPath),
			Err:     err,
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &whisperEngine{
		whisperPath:  l.cfg.WhisperPath,
		diarizerPath: l.cfg.DiarizerPath,
		modelPath:    modelPath,
		device:       device,
		window:       l.cfg.WindowSeconds,
		overlap:      l.cfg.OverlapSeconds,
		runner:       l.runner,
		mkdirTemp:    l.mkdirTemp,
		removeAll:    l.removeAll,
	}, nil
}

// whisperEngine shells out to whisper.cpp per audio window and to an
// optional external diarizer for the speaker pass.
type whisperEngine struct {
	whisperPath  string
	diarizerPath string
	modelPath    string
	device       domain.Device
	window       float64
	overlap      float64
	runner       commandRunner
	mkdirTemp    func(dir, pattern string) (string, error)
	removeAll    func(path string) error
}

// Transcribe slices the audio into overlapping windows, runs whisper.cpp on
// each, forwards window-relative events, and returns chunks rebased onto the
// absolute timeline with the overlapped region deduplicated.
func (e *whisperEngine) Transcribe(ctx context.Context, audio []float32, language string, cb StreamCallbacks) ([]domain.TranscriptChunk, error) {
	if len(audio) == 0 {
		return nil, &Error{
			Stage:   "transcribing",
			Message: "audio is empty",
		}
	}

	tempDir, err := e.mkdirTemp("", "transcription-worker-*")
	if err != nil {
		return nil, &Error{
			Stage:   "transcribing",
			Message: "failed to create temporary workspace",
			Err:     err,
		}
	}
	defer func() {
		_ = e.removeAll(tempDir)
	}()

	hop := e.window - e.overlap
	hopSamples := int(hop * domain.SampleRate)
	windowSamples := int(e.window * domain.SampleRate)
	total := float64(len(audio)) / domain.SampleRate

	var chunks []domain.TranscriptChunk
	lastEnd := 0.0

	for windowIndex := 0; ; windowIndex++ {
		start := windowIndex * hopSamples
		if start >= len(audio) {
			break
		}
		end := start + windowSamples
		if end > len(audio) {
			end = len(audio)
		}

		wavPath := filepath.Join(tempDir, fmt.Sprintf("window-%03d.wav", windowIndex))
		if err := writeWAV(wavPath, audio[start:end]); err != nil {
			return nil, &Error{
				Stage:   "transcribing",
				Message: fmt.Sprintf("write window audio: %v", err),
				Err:     err,
			}
		}

		args := buildTranscribeArgs(e.modelPath, wavPath, language, e.device)
		result, runErr := e.runner.Run(ctx, e.whisperPath, args...)
		if runErr != nil {
			return nil, &Error{
				Stage:   "transcribing",
				Message: "whisper.cpp transcription failed",
				CommandLog: CommandLog{
					Command:  e.whisperPath,
					Args:     args,
					ExitCode: result.ExitCode,
					Stdout:   result.Stdout,
					Stderr:   result.Stderr,
				},
				Err: runErr,
			}
		}

		offset := hop * float64(windowIndex)
		for _, line := range parseTimedLines(result.Stdout) {
			if cb.OnChunkStart != nil {
				cb.OnChunkStart(line.start)
			}
			if cb.OnToken != nil {
				cb.OnToken(line.text)
			}
			if cb.OnChunkEnd != nil {
				cb.OnChunkEnd(line.end)
			}

			absStart := offset + line.start
			absEnd := offset + line.end
			if absEnd > total {
				absEnd = total
			}
			// Overlapping windows re-emit the tail of the previous one;
			// keep only chunks that extend past confirmed output.
			if absEnd <= lastEnd || line.text == "" {
				continue
			}
			if absStart < lastEnd {
				absStart = lastEnd
			}
			chunks = append(chunks, domain.TranscriptChunk{
				Text:  line.text,
				Start: absStart,
				End:   absEnd,
			})
			lastEnd = absEnd
		}

		if cb.OnWindowDone != nil {
			cb.OnWindowDone()
		}
		if end == len(audio) {
			break
		}
	}

	return chunks, nil
}

// Diarize writes the full audio to one file and runs the external diarizer,
// expecting tab-separated "start end speaker confidence" lines on stdout.
func (e *whisperEngine) Diarize(ctx context.Context, audio []float32) ([]domain.SpeakerSegment, error) {
	if e.diarizerPath == "" {
		return nil, ErrDiarizerUnavailable
	}

	tempDir, err := e.mkdirTemp("", "transcription-worker-*")
	if err != nil {
		return nil, &Error{
			Stage:   "diarizing",
			Message: "failed to create temporary workspace",
			Err:     err,
		}
	}
	defer func() {
		_ = e.removeAll(tempDir)
	}()

	wavPath := filepath.Join(tempDir, "full.wav")
	if err := writeWAV(wavPath, audio); err != nil {
		return nil, &Error{
			Stage:   "diarizing",
			Message: fmt.Sprintf("write audio: %v", err),
			Err:     err,
		}
	}

	args := []string{"-f", wavPath}
	result, runErr := e.runner.Run(ctx, e.diarizerPath, args...)
	if runErr != nil {
		return nil, &Error{
			Stage:   "diarizing",
			Message: "speaker segmentation failed",
			CommandLog: CommandLog{
				Command:  e.diarizerPath,
				Args:     args,
				ExitCode: result.ExitCode,
				Stdout:   result.Stdout,
				Stderr:   result.Stderr,
			},
			Err: runErr,
		}
	}

	return parseSpeakerLines(result.Stdout), nil
}

// Close releases the handle. External processes hold no persistent state.
func (e *whisperEngine) Close() error {
	return nil
}

// timedLine is one parsed whisper.cpp output line with window-relative times.
type timedLine struct {
	start float64
	end   float64
	text  string
}

var timedLinePattern = regexp.MustCompile(
	`^\[(\d{2}):(\d{2}):(\d{2})[.,](\d{3}) --> (\d{2}):(\d{2}):(\d{2})[.,](\d{3})\]\s?(.*)$`,
)

// parseTimedLines extracts "[hh:mm:ss.mmm --> hh:mm:ss.mmm] text" lines from
// whisper.cpp stdout. Unrecognized lines are skipped.
func parseTimedLines(stdout string) []timedLine {
	var lines []timedLine
	for _, raw := range strings.Split(stdout, "\n") {
		match := timedLinePattern.FindStringSubmatch(strings.TrimSpace(raw))
		if match == nil {
			continue
		}
		lines = append(lines, timedLine{
			start: timestampSeconds(match[1], match[2], match[3], match[4]),
			end:   timestampSeconds(match[5], match[6], match[7], match[8]),
			text:  match[9],
		})
	}
	return lines
}

// timestampSeconds converts matched hh/mm/ss/mmm groups to seconds.
func timestampSeconds(hh, mm, ss, millis string) float64 {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	s, _ := strconv.Atoi(ss)
	ms, _ := strconv.Atoi(millis)
	return float64(h)*3600 + float64(m)*60 + float64(s) + float64(ms)/1000
}

// parseSpeakerLines parses diarizer output. Malformed lines are dropped
// rather than failing the pass.
func parseSpeakerLines(stdout string) []domain.SpeakerSegment {
	var segments []domain.SpeakerSegment
	for _, raw := range strings.Split(stdout, "\n") {
		fields := strings.Fields(strings.TrimSpace(raw))
		if len(fields) < 3 {
			continue
		}

		start, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}

		confidence := 1.0
		if len(fields) >= 4 {
			if c, err := strconv.ParseFloat(fields[3], 64); err == nil {
				confidence = c
			}
		}

		segments = append(segments, domain.SpeakerSegment{
			SpeakerID:  fields[2],
			Start:      start,
			End:        end,
			Confidence: confidence,
		})
	}
	return segments
}

// buildTranscribeArgs builds whisper.cpp args for timestamped stdout output.
func buildTranscribeArgs(modelPath, audioPath, language string, device domain.Device) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
	}

	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}
	if device == domain.DevicePortable {
		args = append(args, "-ng")
	}

	return args
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// writeWAV stores float32 PCM as a 16-bit mono 16 kHz WAV file.
func writeWAV(path string, samples []float32) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := wav.NewWriter(file, uint32(len(samples)), 1, domain.SampleRate, 16)
	converted := make([]wav.Sample, len(samples))
	for i, sample := range samples {
		scaled := sample * 32767
		if scaled > 32767 {
			scaled = 32767
		}
		if scaled < -32768 {
			scaled = -32768
		}
		converted[i].Values[0] = int(scaled)
	}

	if err := writer.WriteSamples(converted); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// NewWhisperLoaderForTests constructs a loader with injectable dependencies.
func NewWhisperLoaderForTests(
	cfg Config,
	runner commandRunner,
	httpClient *http.Client,
	stat func(name string) (os.FileInfo, error),
	lookPath func(file string) (string, error),
) *WhisperLoader {
	return &WhisperLoader{
		cfg:        cfg,
		runner:     runner,
		httpClient: httpClient,
		stat:       stat,
		lookPath:   lookPath,
		mkdirTemp:  os.MkdirTemp,
		removeAll:  os.RemoveAll,
	}
}
