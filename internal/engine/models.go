package engine

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"transcription-worker/internal/domain"
)

const modelDownloadTimeout = 30 * time.Minute

// progressGranularity is the byte count between artifact progress events
// while downloading, so large models do not flood the event stream.
const progressGranularity = 1 << 20

var modelCatalog = []domain.ModelOption{
	{
		ID:          "tiny.en",
		Name:        "Tiny (English)",
		FileName:    "ggml-tiny.en.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.en.bin",
		SizeLabel:   "~75 MB",
		Description: "Fastest, English-only model.",
	},
	{
		ID:          "tiny",
		Name:        "Tiny (Multilingual)",
		FileName:    "ggml-tiny.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		SizeLabel:   "~75 MB",
		Description: "Fastest multilingual model.",
	},
	{
		ID:          "base.en",
		Name:        "Base (English)",
		FileName:    "ggml-base.en.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.en.bin",
		SizeLabel:   "~142 MB",
		Description: "Balanced speed/quality, English-only.",
	},
	{
		ID:          "base",
		Name:        "Base (Multilingual)",
		FileName:    "ggml-base.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		SizeLabel:   "~142 MB",
		Description: "Balanced speed/quality, multilingual.",
	},
	{
		ID:          "small.en",
		Name:        "Small (English)",
		FileName:    "ggml-small.en.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.en.bin",
		SizeLabel:   "~466 MB",
		Description: "Higher quality, English-only.",
	},
	{
		ID:          "large-v3-turbo",
		Name:        "Large v3 Turbo",
		FileName:    "ggml-large-v3-turbo.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3-turbo.bin",
		SizeLabel:   "~1.6 GB",
		Description: "Faster large-v3 variant.",
	},
}

// Models returns the built-in whisper.cpp model presets.
func Models() []domain.ModelOption {
	models := make([]domain.ModelOption, len(modelCatalog))
	copy(models, modelCatalog)
	return models
}

// modelByID resolves a catalog entry from its identifier.
func modelByID(id string) (domain.ModelOption, bool) {
	for _, model := range modelCatalog {
		if model.ID == strings.TrimSpace(id) {
			return model, true
		}
	}
	return domain.ModelOption{}, false
}

// countingWriter forwards artifact progress while a model file downloads.
type countingWriter struct {
	file       string
	total      int64
	loaded     int64
	lastReport int64
	onArtifact func(ArtifactEvent)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.loaded += int64(len(p))
	if w.onArtifact != nil && w.loaded-w.lastReport >= progressGranularity {
		w.lastReport = w.loaded
		w.onArtifact(ArtifactEvent{
			File:   w.file,
			Status: ArtifactProgress,
			Loaded: w.loaded,
			Total:  w.total,
		})
	}
	return len(p), nil
}

// downloadModel fetches one model artifact to targetPath, emitting
// initiate/progress/done events keyed by the artifact file name.
func (l *WhisperLoader) downloadModel(model domain.ModelOption, targetPath string, onArtifact func(ArtifactEvent)) error {
	resp, err := l.httpClient.Get(model.URL)
	if err != nil {
		return fmt.Errorf("fetch model %s: %w", model.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch model %s: unexpected status %s", model.ID, resp.Status)
	}

	if onArtifact != nil {
		onArtifact(ArtifactEvent{
			File:   model.FileName,
			Status: ArtifactInitiate,
			Total:  resp.ContentLength,
		})
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	tmpPath := targetPath + ".partial"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create model file: %w", err)
	}

	counter := &countingWriter{
		file:       model.FileName,
		total:      resp.ContentLength,
		onArtifact: onArtifact,
	}
	if _, err := io.Copy(io.MultiWriter(out, counter), resp.Body); err != nil {
		out.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("download model %s: %w", model.ID, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flush model file: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("finalize model file: %w", err)
	}

	if onArtifact != nil {
		onArtifact(ArtifactEvent{
			File:   model.FileName,
			Status: ArtifactDone,
			Loaded: counter.loaded,
			Total:  resp.ContentLength,
		})
	}
	return nil
}
