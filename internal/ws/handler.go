package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var (
	errNoControl      = errors.New("playback control not available")
	errUnknownCommand = errors.New("unknown command")
)

// Controller is the playback surface a dashboard may drive.
type Controller interface {
	StartAnalysis(ctx context.Context) error
	Pause() error
	Resume() error
	Stop()
}

// HandlerConfig wires the dashboard socket to the pipeline.
type HandlerConfig struct {
	Hub           *Hub
	Control       Controller
	Initial       func() any // first message sent on connect
	MaxConcurrent int
}

// Handler serves the dashboard WebSocket with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 32
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// command is a text frame sent by the dashboard.
type command struct {
	Type string `json:"type"` // start, pause, resume, stop
}

type reply struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection and streams hub messages until the
// client goes away. Returns 503 when at capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := newSender(conn)
	if h.cfg.Initial != nil {
		send(h.cfg.Initial())
	}

	ch := h.cfg.Hub.Subscribe()
	defer h.cfg.Hub.Unsubscribe(ch)
	slog.Info("dashboard connected", "remote", r.RemoteAddr)

	go func() {
		defer cancel()
		h.readCommands(ctx, conn, send)
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dashboard disconnected", "remote", r.RemoteAddr)
			return
		case msg := <-ch:
			if err := send(json.RawMessage(msg)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readCommands(ctx context.Context, conn *websocket.Conn, send func(any) error) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var cmd command
		if err = json.Unmarshal(data, &cmd); err != nil {
			send(reply{Type: "error", Error: "invalid command"})
			continue
		}
		err = h.run(ctx, cmd.Type)
		rep := reply{Type: "ack", Command: cmd.Type}
		if err != nil {
			rep.Type, rep.Error = "error", err.Error()
		}
		send(rep)
	}
}

func (h *Handler) run(ctx context.Context, name string) error {
	if h.cfg.Control == nil {
		return errNoControl
	}
	switch name {
	case "start":
		return h.cfg.Control.StartAnalysis(ctx)
	case "pause":
		return h.cfg.Control.Pause()
	case "resume":
		return h.cfg.Control.Resume()
	case "stop":
		h.cfg.Control.Stop()
		return nil
	}
	return errUnknownCommand
}

// newSender serializes writes; gorilla connections allow one writer.
func newSender(conn *websocket.Conn) func(any) error {
	var mu sync.Mutex
	return func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Error("write event", "error", err)
		}
		return err
	}
}
