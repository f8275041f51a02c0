package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"transcription-worker/internal/domain"
)

// fakeRunner simulates command execution order and outcomes.
type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (commandResult, error)
}

// Run delegates to injected behavior.
func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	if f.run == nil {
		return commandResult{}, nil
	}
	return f.run(ctx, name, args...)
}

func okLookPath(file string) (string, error) {
	return file, nil
}

// TestLoaderUnknownModel checks catalog validation.
func TestLoaderUnknownModel(t *testing.T) {
	loader := NewWhisperLoaderForTests(Config{WhisperPath: "w"}, &fakeRunner{}, http.DefaultClient, os.Stat, okLookPath)

	_, err := loader.Load(context.Background(), domain.DevicePortable, "no-such-model", nil)
	if err == nil {
		t.Fatal("expected error")
	}

	var engErr *Error
	if !errors.As(err, &engErr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if engErr.Stage != "acquisition" {
		t.Fatalf("stage = %s, want acquisition", engErr.Stage)
	}
}

// TestLoaderMissingBinary checks the tooling diagnostic at load time.
func TestLoaderMissingBinary(t *testing.T) {
	loader := NewWhisperLoaderForTests(
		Config{WhisperPath: "whisper-cli"},
		&fakeRunner{},
		http.DefaultClient,
		os.Stat,
		func(string) (string, error) { return "", errors.New("not found") },
	)

	_, err := loader.Load(context.Background(), domain.DevicePortable, "base.en", nil)
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.Stage != "acquisition" {
		t.Fatalf("error = %v, want acquisition stage error", err)
	}
}

// TestLoaderCachedModelEmitsArtifactEvents checks initiate/done for a model
// already on disk.
func TestLoaderCachedModelEmitsArtifactEvents(t *testing.T) {
	modelDir := t.TempDir()
	mustWriteFile(t, filepath.Join(modelDir, "ggml-base.en.bin"), "model-bytes")

	loader := NewWhisperLoaderForTests(
		Config{WhisperPath: "w", ModelDir: modelDir, WindowSeconds: 30, OverlapSeconds: 5},
		&fakeRunner{}, http.DefaultClient, os.Stat, okLookPath,
	)

	var events []ArtifactEvent
	eng, err := loader.Load(context.Background(), domain.DevicePortable, "base.en", func(e ArtifactEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer eng.Close()

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Status != ArtifactInitiate || events[1].Status != ArtifactDone {
		t.Fatalf("unexpected statuses: %+v", events)
	}
	if events[0].File != "ggml-base.en.bin" {
		t.Fatalf("artifact file = %q", events[0].File)
	}
}

// TestLoaderDownloadsMissingModel checks download with progress events.
func TestLoaderDownloadsMissingModel(t *testing.T) {
	payload := make([]byte, 3*progressGranularity)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	// Point the catalog entry's URL at the test server via a copy.
	original := modelCatalog[0]
	modelCatalog[0].URL = server.URL
	defer func() { modelCatalog[0] = original }()

	modelDir := t.TempDir()
	loader := NewWhisperLoaderForTests(
		Config{WhisperPath: "w", ModelDir: modelDir, WindowSeconds: 30, OverlapSeconds: 5},
		&fakeRunner{}, server.Client(), os.Stat, okLookPath,
	)

	var statuses []ArtifactStatus
	eng, err := loader.Load(context.Background(), domain.DevicePortable, original.ID, func(e ArtifactEvent) {
		statuses = append(statuses, e.Status)
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer eng.Close()

	if statuses[0] != ArtifactInitiate {
		t.Fatalf("first status = %s, want initiate", statuses[0])
	}
	if statuses[len(statuses)-1] != ArtifactDone {
		t.Fatalf("last status = %s, want done", statuses[len(statuses)-1])
	}
	hasProgress := false
	for _, s := range statuses {
		if s == ArtifactProgress {
			hasProgress = true
		}
	}
	if !hasProgress {
		t.Fatalf("expected progress events, got %v", statuses)
	}

	info, err := os.Stat(filepath.Join(modelDir, original.FileName))
	if err != nil {
		t.Fatalf("model file missing: %v", err)
	}
	if info.Size() != int64(len(payload)) {
		t.Fatalf("model size = %d, want %d", info.Size(), len(payload))
	}
}

// newTestEngine builds a whisperEngine with a fake runner and geometry W=4s,
// S=1s so window offsets are 3s apart.
func newTestEngine(runner commandRunner, diarizerPath string) *whisperEngine {
	return &whisperEngine{
		whisperPath:  "whisper-cli",
		diarizerPath: diarizerPath,
		modelPath:    "/models/ggml-base.en.bin",
		device:       domain.DevicePortable,
		window:       4,
		overlap:      1,
		runner:       runner,
		mkdirTemp:    os.MkdirTemp,
		removeAll:    os.RemoveAll,
	}
}

// TestTranscribeWindowsAndDedup checks window slicing, window-relative
// callbacks, and overlap deduplication on the absolute timeline.
func TestTranscribeWindowsAndDedup(t *testing.T) {
	// 7 seconds of audio with W=4, hop=3: two windows.
	audio := make([]float32, 7*domain.SampleRate)

	outputs := []string{
		"[00:00:00.000 --> 00:00:02.000]  hello\n[00:00:02.000 --> 00:00:04.000]  world\n",
		// Window 1 starts at 3s absolute; the first line re-covers the
		// overlap region and must be dropped from the returned chunks.
		"[00:00:00.000 --> 00:00:01.000]  world\n[00:00:01.000 --> 00:00:03.500]  again\n",
	}
	call := 0
	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
			if name != "whisper-cli" {
				t.Fatalf("command = %q, want whisper-cli", name)
			}
			out := outputs[call]
			call++
			return commandResult{Stdout: out}, nil
		},
	}

	eng := newTestEngine(runner, "")
	var windowDone int
	var relStarts []float64
	chunks, err := eng.Transcribe(context.Background(), audio, "auto", StreamCallbacks{
		OnChunkStart: func(rel float64) { relStarts = append(relStarts, rel) },
		OnWindowDone: func() { windowDone++ },
	})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}

	if call != 2 {
		t.Fatalf("whisper invocations = %d, want 2", call)
	}
	if windowDone != 2 {
		t.Fatalf("window done events = %d, want 2", windowDone)
	}
	// Callbacks stay window-relative: second window restarts near zero.
	if relStarts[2] != 0 {
		t.Fatalf("window 1 first relative start = %v, want 0", relStarts[2])
	}

	if len(chunks) != 3 {
		t.Fatalf("chunks = %+v, want 3 entries", chunks)
	}
	if chunks[2].Text != " again" {
		t.Fatalf("chunk 2 text = %q", chunks[2].Text)
	}
	if chunks[2].Start != 4 || chunks[2].End != 6.5 {
		t.Fatalf("chunk 2 span = [%v,%v], want [4,6.5]", chunks[2].Start, chunks[2].End)
	}
}

// TestTranscribeCommandFailure checks the error path with command context.
func TestTranscribeCommandFailure(t *testing.T) {
	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
			return commandResult{Stderr: "boom", ExitCode: 1}, errors.New("exit status 1")
		},
	}

	eng := newTestEngine(runner, "")
	_, err := eng.Transcribe(context.Background(), make([]float32, domain.SampleRate), "auto", StreamCallbacks{})
	if err == nil {
		t.Fatal("expected error")
	}

	var engErr *Error
	if !errors.As(err, &engErr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if engErr.Stage != "transcribing" || engErr.CommandLog.ExitCode != 1 {
		t.Fatalf("unexpected error detail: %+v", engErr)
	}
}

// TestTranscribeEmptyAudio checks input validation.
func TestTranscribeEmptyAudio(t *testing.T) {
	eng := newTestEngine(&fakeRunner{}, "")
	if _, err := eng.Transcribe(context.Background(), nil, "auto", StreamCallbacks{}); err == nil {
		t.Fatal("expected error")
	}
}

// TestDiarizeUnavailable checks the sentinel for a missing diarizer.
func TestDiarizeUnavailable(t *testing.T) {
	eng := newTestEngine(&fakeRunner{}, "")
	_, err := eng.Diarize(context.Background(), make([]float32, domain.SampleRate))
	if !errors.Is(err, ErrDiarizerUnavailable) {
		t.Fatalf("error = %v, want %v", err, ErrDiarizerUnavailable)
	}
}

// TestDiarizeParsesSegments checks TSV parsing with malformed line tolerance.
func TestDiarizeParsesSegments(t *testing.T) {
	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
			if name != "diarize-cli" {
				t.Fatalf("command = %q, want diarize-cli", name)
			}
			return commandResult{Stdout: fmt.Sprintf(
				"0.0\t5.5\tspk_0\t0.92\n5.5\t8.0\t%s\t0.99\nnot a segment line\n8.0\t12.0\tspk_1\n", domain.NoSpeaker,
			)}, nil
		},
	}

	eng := newTestEngine(runner, "diarize-cli")
	segments, err := eng.Diarize(context.Background(), make([]float32, domain.SampleRate))
	if err != nil {
		t.Fatalf("Diarize() error = %v", err)
	}

	if len(segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(segments))
	}
	if segments[0].SpeakerID != "spk_0" || segments[0].Confidence != 0.92 {
		t.Fatalf("segment 0 = %+v", segments[0])
	}
	if segments[1].SpeakerID != domain.NoSpeaker {
		t.Fatalf("segment 1 id = %q, want NO_SPEAKER", segments[1].SpeakerID)
	}
	if segments[2].Confidence != 1 {
		t.Fatalf("segment 2 confidence = %v, want default 1", segments[2].Confidence)
	}
}

// TestBuildTranscribeArgs verifies language and device flag handling.
func TestBuildTranscribeArgs(t *testing.T) {
	args := buildTranscribeArgs("/m.bin", "/w.wav", "auto", domain.DeviceAccelerated)
	if hasArg(args, "-l") {
		t.Fatalf("auto language should not pass -l, args=%v", args)
	}
	if hasArg(args, "-ng") {
		t.Fatalf("accelerated device should not pass -ng, args=%v", args)
	}

	args = buildTranscribeArgs("/m.bin", "/w.wav", "ru", domain.DevicePortable)
	if got := argValue(args, "-l"); got != "ru" {
		t.Fatalf("language arg = %q, want ru", got)
	}
	if !hasArg(args, "-ng") {
		t.Fatalf("portable device should pass -ng, args=%v", args)
	}
}

// TestParseTimedLines verifies timestamp parsing and junk line skipping.
func TestParseTimedLines(t *testing.T) {
	stdout := "whisper_init: loading model\n" +
		"[00:01:02.500 --> 00:01:04.250]  some text\n" +
		"garbage\n"

	lines := parseTimedLines(stdout)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	if lines[0].start != 62.5 || lines[0].end != 64.25 {
		t.Fatalf("span = [%v,%v], want [62.5,64.25]", lines[0].start, lines[0].end)
	}
	if lines[0].text != " some text" {
		t.Fatalf("text = %q", lines[0].text)
	}
}

// TestWriteWAVRoundTrip verifies the window file is a readable 16 kHz WAV.
func TestWriteWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	samples := []float32{0, 0.5, -0.5, 1.5, -1.5}

	if err := writeWAV(path, samples); err != nil {
		t.Fatalf("writeWAV() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	// 44-byte header plus 2 bytes per sample.
	if info.Size() != int64(44+2*len(samples)) {
		t.Fatalf("file size = %d, want %d", info.Size(), 44+2*len(samples))
	}
}

// mustWriteFile creates parent directory and writes file content.
func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file %s: %v", path, err)
	}
}

// argValue returns value for key-style CLI args.
func argValue(args []string, key string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == key {
			return args[i+1]
		}
	}
	return ""
}

// hasArg reports whether args include the target flag.
func hasArg(args []string, key string) bool {
	for _, arg := range args {
		if arg == key {
			return true
		}
	}
	return false
}
