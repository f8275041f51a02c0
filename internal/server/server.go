// Package server exposes the worker to its host process over HTTP and
// WebSocket: commands come in as JSON messages, job events stream back out.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transcription-worker/internal/domain"
	"transcription-worker/internal/engine"
	"transcription-worker/internal/worker"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Commands carry inline PCM, so the read limit must fit a full recording.
	maxCommandBytes = 512 << 20
)

// Command is one host request received over the WebSocket.
type Command struct {
	Type     string        `json:"type"`
	Device   domain.Device `json:"device,omitempty"`
	ModelID  string        `json:"modelId,omitempty"`
	Language string        `json:"language,omitempty"`

	// Audio is little-endian float32 mono PCM at 16 kHz, base64-encoded.
	Audio string `json:"audio,omitempty"`
}

// commandReply is sent back to the issuing connection when a command is
// refused or fails synchronously.
type commandReply struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

// Server hosts the command and event surface for one Controller.
type Server struct {
	addr     string
	log      *slog.Logger
	ctrl     *worker.Controller
	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates a server for the given controller.
func New(addr string, ctrl *worker.Controller, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr: addr,
		log:  log,
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// routes builds the HTTP surface.
func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/api/events", s.handleEvents).Methods("GET")
	router.HandleFunc("/api/models", s.handleModels).Methods("GET")
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/ws", s.handleWebSocket)

	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// handleStatus returns the current job snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctrl.Status())
}

// handleEvents returns buffered events with sequence greater than ?since=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	events := s.ctrl.Events().Since(since)
	if events == nil {
		events = []worker.Event{}
	}
	writeJSON(w, events)
}

// handleModels returns the built-in model presets.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, engine.Models())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleWebSocket upgrades the connection and starts its pumps. Events from
// the controller bus stream to every connection; commands are handled per
// connection with refusals written back to the issuer only.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	events, unsubscribe := s.ctrl.Events().Subscribe()
	wsConn := &wsConnection{
		conn:        conn,
		send:        make(chan []byte, 64),
		events:      events,
		unsubscribe: unsubscribe,
		server:      s,
	}

	go wsConn.writePump()
	go wsConn.readPump()
}

type wsConnection struct {
	conn        *websocket.Conn
	send        chan []byte
	events      <-chan worker.Event
	unsubscribe func()
	server      *Server
}

// dispatch executes one command; any synchronous refusal goes back to the
// issuing connection as an error reply.
func (c *wsConnection) dispatch(cmd Command) {
	var err error
	switch cmd.Type {
	case "load":
		_, err = c.server.ctrl.Load(cmd.Device, cmd.ModelID)
	case "run":
		var audio []float32
		audio, err = decodePCM(cmd.Audio)
		if err == nil {
			_, err = c.server.ctrl.Run(audio, cmd.Language)
		}
	case "resume":
		err = c.resume()
	case "cancel":
		c.server.ctrl.Cancel()
	case "check_backup":
		_, _, err = c.server.ctrl.CheckBackup()
	case "clear_backup":
		err = c.server.ctrl.ClearBackup()
	default:
		c.server.log.Warn("unknown command", "type", cmd.Type)
		return
	}

	if err != nil {
		c.reply(commandReply{Type: "refused", Command: cmd.Type, Error: err.Error()})
	}
}

// resume restarts inference from the persisted snapshot's audio.
func (c *wsConnection) resume() error {
	snapshot, ok, err := c.server.ctrl.CheckBackup()
	if err != nil {
		return err
	}
	if !ok {
		return errNoBackup
	}

	_, err = c.server.ctrl.Run(snapshot.Audio, snapshot.Language)
	return err
}

func (c *wsConnection) reply(r commandReply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.log.Warn("dropping reply for slow connection")
	}
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				c.server.log.Error("failed to encode event", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConnection) readPump() {
	defer func() {
		c.unsubscribe()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxCommandBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Error("websocket read error", "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			// Malformed commands are a protocol violation, not fatal.
			c.server.log.Warn("discarding malformed command", "error", err)
			continue
		}
		c.dispatch(cmd)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
