package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"transcription-worker/internal/domain"
	"transcription-worker/internal/engine"
	"transcription-worker/internal/worker"
)

type fakeEngine struct{}

func (fakeEngine) Transcribe(ctx context.Context, audio []float32, language string, cb engine.StreamCallbacks) ([]domain.TranscriptChunk, error) {
	total := float64(len(audio)) / domain.SampleRate
	if cb.OnChunkStart != nil {
		cb.OnChunkStart(0)
	}
	if cb.OnToken != nil {
		cb.OnToken(" ok")
	}
	if cb.OnChunkEnd != nil {
		cb.OnChunkEnd(total)
	}
	if cb.OnWindowDone != nil {
		cb.OnWindowDone()
	}
	return []domain.TranscriptChunk{{Text: " ok", Start: 0, End: total}}, nil
}

func (fakeEngine) Diarize(ctx context.Context, audio []float32) ([]domain.SpeakerSegment, error) {
	return nil, engine.ErrDiarizerUnavailable
}

func (fakeEngine) Close() error { return nil }

type fakeLoader struct{}

func (fakeLoader) Load(ctx context.Context, device domain.Device, modelID string, onArtifact func(engine.ArtifactEvent)) (engine.Engine, error) {
	onArtifact(engine.ArtifactEvent{File: "model.bin", Status: engine.ArtifactInitiate, Total: 1})
	onArtifact(engine.ArtifactEvent{File: "model.bin", Status: engine.ArtifactDone, Loaded: 1, Total: 1})
	return fakeEngine{}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *worker.Controller) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := worker.New(worker.Config{Loader: fakeLoader{}, Logger: log})
	srv := New("", ctrl, log)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, ctrl
}

// TestPCMCodecRoundTrip verifies samples survive encode/decode unchanged.
func TestPCMCodecRoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1, 0.12345}

	decoded, err := decodePCM(encodePCM(samples))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("sample %d: expected %v, got %v", i, samples[i], decoded[i])
		}
	}
}

// TestDecodePCMRejectsPartialSample verifies truncated payloads error out.
func TestDecodePCMRejectsPartialSample(t *testing.T) {
	if _, err := decodePCM("AAAA"); err == nil { // 3 raw bytes
		t.Fatalf("expected error for partial sample")
	}
	if samples, err := decodePCM(""); err != nil || samples != nil {
		t.Fatalf("expected empty payload to decode to nothing, got %v, %v", samples, err)
	}
}

// TestStatusEndpoint verifies the job snapshot is served as JSON.
func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var job domain.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if job.Status != domain.JobStatusIdle {
		t.Fatalf("expected idle status, got %s", job.Status)
	}
}

// TestModelsEndpoint verifies the catalog is exposed.
func TestModelsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/models")
	if err != nil {
		t.Fatalf("models request failed: %v", err)
	}
	defer resp.Body.Close()

	var models []domain.ModelOption
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		t.Fatalf("failed to decode models: %v", err)
	}
	if len(models) == 0 {
		t.Fatalf("expected non-empty model catalog")
	}
}

// TestEventsEndpoint verifies incremental event reads over HTTP.
func TestEventsEndpoint(t *testing.T) {
	ts, ctrl := newTestServer(t)
	ctrl.Events().Publish(worker.Event{Type: worker.EventLoading})
	ctrl.Events().Publish(worker.Event{Type: worker.EventLoaded})

	resp, err := http.Get(ts.URL + "/api/events?since=1")
	if err != nil {
		t.Fatalf("events request failed: %v", err)
	}
	defer resp.Body.Close()

	var events []worker.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("failed to decode events: %v", err)
	}
	if len(events) != 1 || events[0].Type != worker.EventLoaded {
		t.Fatalf("unexpected events %+v", events)
	}

	if resp, err := http.Get(ts.URL + "/api/events?since=nope"); err != nil {
		t.Fatalf("events request failed: %v", err)
	} else {
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for bad since, got %d", resp.StatusCode)
		}
	}
}

// TestWebSocketLoadRunFlow drives a load then run over the socket and
// verifies the event stream reaches a complete event.
func TestWebSocketLoadRunFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	send := func(cmd Command) {
		t.Helper()
		if err := conn.WriteJSON(cmd); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	waitType := func(want worker.EventType) worker.Event {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			conn.SetReadDeadline(deadline)
			var ev worker.Event
			if err := conn.ReadJSON(&ev); err != nil {
				t.Fatalf("read failed waiting for %s: %v", want, err)
			}
			if ev.Type == want {
				return ev
			}
		}
	}

	send(Command{Type: "load", Device: domain.DevicePortable, ModelID: "base"})
	waitType(worker.EventLoaded)

	audio := make([]float32, 2*domain.SampleRate)
	send(Command{Type: "run", Language: "en", Audio: encodePCM(audio)})
	complete := waitType(worker.EventComplete)
	if complete.Result == nil || complete.Result.Transcript != "ok" {
		t.Fatalf("unexpected completion result %+v", complete.Result)
	}
}

// TestWebSocketRefusalReply verifies a refused command is answered on the
// issuing connection instead of the event stream.
func TestWebSocketRefusalReply(t *testing.T) {
	ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Run without a prior load must be refused.
	if err := conn.WriteJSON(Command{Type: "run", Language: "en"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply commandReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if reply.Type != "refused" || reply.Command != "run" || reply.Error == "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}
