package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/mindmap/internal/audio"
	"github.com/hubenschmidt/mindmap/internal/hume"
	"github.com/hubenschmidt/mindmap/internal/pipeline"
	"github.com/hubenschmidt/mindmap/internal/trace"
	"github.com/hubenschmidt/mindmap/internal/ws"
)

const (
	// uploadField is the multipart field carrying the recording.
	uploadField = "audio"

	// multipartSlack covers form boundaries and headers on top of the
	// recording size limit.
	multipartSlack = 1 << 20

	defaultTraceSessionLimit = 20
)

var errNoAudioFile = errors.New("no audio file in form")

// uploadMessage is the client-facing text for an upload read failure.
func uploadMessage(err error) string {
	if errors.Is(err, errNoAudioFile) {
		return "No audio file provided."
	}
	return err.Error()
}

type deps struct {
	pipe       *pipeline.Pipeline
	jobs       pipeline.JobClient
	hub        *ws.Hub
	wsHandler  http.Handler
	traceStore *trace.Store
	maxUpload  int64
	jobTimeout time.Duration
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/dashboard", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /analyze", d.handleAnalyze)
	mux.HandleFunc("POST /api/audio", d.handleUpload)
	mux.HandleFunc("POST /api/analysis/start", d.handleStart)
	mux.HandleFunc("POST /api/playback/{action}", d.handlePlayback)
	mux.HandleFunc("GET /api/status", d.handleStatus)
	mux.HandleFunc("GET /api/session", d.handleSession)
	mux.HandleFunc("GET /api/session/current", d.handleCurrent)
	mux.HandleFunc("GET /api/session/trajectory", d.handleTrajectory)
	mux.HandleFunc("GET /api/insights", d.handleInsights)
	mux.HandleFunc("POST /api/insights/narrative", d.handleNarrative)
	mux.HandleFunc("GET /api/stream", d.handleStream)
	registerTraceRoutes(mux, d.traceStore)
}

// withCORS lets the dashboard dev server call the API.
func withCORS(origin string, next http.Handler) http.Handler {
	if origin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	body := map[string]string{"error": msg}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// readUpload pulls the recording out of a multipart request.
func (d deps) readUpload(w http.ResponseWriter, r *http.Request) (pipeline.Upload, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, d.maxUpload+multipartSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return pipeline.Upload{}, http.StatusRequestEntityTooLarge, pipeline.ErrTooLarge
		}
		return pipeline.Upload{}, http.StatusBadRequest, fmt.Errorf("parse form: %w", err)
	}
	file, hdr, err := r.FormFile(uploadField)
	if err != nil {
		return pipeline.Upload{}, http.StatusBadRequest, errNoAudioFile
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return pipeline.Upload{}, http.StatusBadRequest, fmt.Errorf("read upload: %w", err)
	}
	return pipeline.Upload{Data: data, MimeType: hdr.Header.Get("Content-Type"), Filename: hdr.Filename}, 0, nil
}

func (d deps) handleUpload(w http.ResponseWriter, r *http.Request) {
	up, status, err := d.readUpload(w, r)
	if err != nil {
		writeError(w, status, uploadMessage(err), "")
		return
	}
	info, err := d.pipe.Load(r.Context(), up)
	if err != nil {
		slog.Warn("upload rejected", "file", up.Filename, "error", err)
		writeError(w, loadStatus(err), err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"track": info, "state": d.pipe.State()})
}

func loadStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrEmptyUpload), errors.Is(err, pipeline.ErrNotAudio):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	}
	return http.StatusUnprocessableEntity
}

func (d deps) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := d.pipe.StartAnalysis(r.Context()); err != nil {
		writeError(w, controlStatus(err), err.Error(), "")
		return
	}
	writeJSON(w, http.StatusAccepted, d.pipe.State())
}

func (d deps) handlePlayback(w http.ResponseWriter, r *http.Request) {
	var err error
	switch action := r.PathValue("action"); action {
	case "pause":
		err = d.pipe.Pause()
	case "resume":
		err = d.pipe.Resume()
	case "stop":
		d.pipe.Stop()
	default:
		writeError(w, http.StatusNotFound, "unknown playback action "+action, "")
		return
	}
	if err != nil {
		writeError(w, controlStatus(err), err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, d.pipe.State())
}

func controlStatus(err error) int {
	if errors.Is(err, pipeline.ErrNoTrack) || errors.Is(err, audio.ErrNoTrack) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (d deps) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.pipe.State())
}

// handleSession returns the session; ?limit=N keeps only the newest N data.
func (d deps) handleSession(w http.ResponseWriter, r *http.Request) {
	snap := d.pipe.Snapshot()
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(snap.Data) {
		snap.Data = snap.Data[len(snap.Data)-limit:]
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d deps) handleCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"current": d.pipe.Current()})
}

func (d deps) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"points": d.pipe.Snapshot().Trajectory})
}

func (d deps) handleInsights(w http.ResponseWriter, r *http.Request) {
	sum, err := d.pipe.Insights()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (d deps) handleNarrative(w http.ResponseWriter, r *http.Request) {
	text, err := d.pipe.Narrative(r.Context())
	switch {
	case errors.Is(err, pipeline.ErrNoNarrator):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "")
		return
	case errors.Is(err, pipeline.ErrNoScores):
		writeError(w, http.StatusConflict, err.Error(), "")
		return
	case err != nil:
		slog.Error("narrative", "error", err)
		writeError(w, http.StatusBadGateway, "narrative generation failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"narrative": text})
}

// handleAnalyze scores one recording without touching the session.
func (d deps) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	up, status, err := d.readUpload(w, r)
	if err != nil {
		writeError(w, status, uploadMessage(err), "")
		return
	}
	ctx := r.Context()
	if d.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.jobTimeout)
		defer cancel()
	}
	report, err := pipeline.AnalyzeOnce(ctx, d.jobs, up, false)
	if err != nil {
		status, msg := analyzeFailure(err)
		slog.Error("analyze failed", "file", up.Filename, "kind", hume.KindOf(err), "error", err)
		writeError(w, status, msg, hume.UserMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func analyzeFailure(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "Timed out waiting for Hume predictions."
	}
	switch hume.KindOf(err) {
	case hume.KindConfiguration:
		return http.StatusInternalServerError, "Hume API key is not configured on the server."
	case hume.KindSubmission:
		return http.StatusBadGateway, "Failed to start Hume job."
	case hume.KindPollingTimeout:
		return http.StatusGatewayTimeout, "Timed out waiting for Hume predictions."
	case hume.KindJobFailed:
		return http.StatusBadGateway, "Failed to fetch Hume predictions."
	case hume.KindExtractionEmpty:
		return http.StatusUnprocessableEntity, hume.MsgNoEmotions
	}
	return http.StatusInternalServerError, "Failed to analyze audio."
}

// handleStream pushes dashboard events as server-sent events, starting
// with a snapshot of the current session.
func (d deps) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if data, err := json.Marshal(snapshotEvent(d.pipe)); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	ch := d.hub.Subscribe()
	defer d.hub.Unsubscribe(ch)
	slog.Info("stream client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("stream client disconnected", "remote", r.RemoteAddr)
			return
		case msg := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		sess, runs, err := store.GetSession(r.Context(), r.PathValue("id"))
		if errors.Is(err, trace.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess, "runs": runs})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}/runs/{runId}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		run, spans, err := store.GetRun(r.Context(), r.PathValue("id"), r.PathValue("runId"))
		if errors.Is(err, trace.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": run, "spans": spans})
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
