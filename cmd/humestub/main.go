// Command humestub serves a minimal stand-in for the Hume batch API so the
// gateway can be exercised locally without an API key.
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/mindmap/internal/env"
)

type job struct {
	created  time.Time
	filename string
	size     int
}

type stub struct {
	apiKey string
	delay  time.Duration
	fail   bool

	mu   sync.Mutex
	jobs map[string]*job
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	s := &stub{
		apiKey: os.Getenv("HUME_API_KEY"),
		delay:  env.Duration("STUB_DELAY", 3*time.Second),
		fail:   os.Getenv("STUB_FAIL") != "",
		jobs:   map[string]*job{},
	}
	port := env.Str("STUB_PORT", "5200")

	slog.Info("humestub listening", "port", port, "delay", s.delay, "fail", s.fail)
	if err := http.ListenAndServe(":"+port, s.routes()); err != nil {
		slog.Error("humestub stopped", "error", err)
		os.Exit(1)
	}
}

func (s *stub) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /v0/batch/jobs", s.auth(s.handleSubmit))
	mux.HandleFunc("GET /v0/batch/jobs/{id}", s.auth(s.handleStatus))
	mux.HandleFunc("GET /v0/batch/jobs/{id}/predictions", s.auth(s.handlePredictions))
	return mux
}

func (s *stub) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-Hume-Api-Key") != s.apiKey {
			http.Error(w, `{"message":"invalid api key"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *stub) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "bad multipart body", http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	file.Close()

	id := uuid.NewString()
	s.mu.Lock()
	s.jobs[id] = &job{created: time.Now(), filename: hdr.Filename, size: int(hdr.Size)}
	s.mu.Unlock()

	slog.Info("job submitted", "job_id", id, "file", hdr.Filename, "bytes", hdr.Size)
	writeJSON(w, map[string]string{"job_id": id})
}

func (s *stub) lookup(w http.ResponseWriter, r *http.Request) (string, *job, bool) {
	id := r.PathValue("id")
	s.mu.Lock()
	j := s.jobs[id]
	s.mu.Unlock()
	if j == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return id, nil, false
	}
	return id, j, true
}

func (s *stub) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	state := map[string]any{"status": "IN_PROGRESS"}
	switch {
	case time.Since(j.created) < s.delay:
	case s.fail:
		state = map[string]any{"status": "FAILED", "message": "Could not transcribe audio"}
	default:
		state = map[string]any{"status": "COMPLETED"}
	}
	writeJSON(w, map[string]any{"state": state})
}

func (s *stub) handlePredictions(w http.ResponseWriter, r *http.Request) {
	id, j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, predictions(id, j))
}

// cannedEmotions are returned for every job; the score shift keeps
// repeated uploads of different files from looking identical.
var cannedEmotions = []struct {
	name  string
	score float64
}{
	{"Calmness", 0.42},
	{"Interest", 0.38},
	{"Joy", 0.31},
	{"Concentration", 0.27},
	{"Tiredness", 0.18},
	{"Anxiety", 0.12},
	{"Sadness", 0.09},
	{"Excitement", 0.08},
}

func predictions(id string, j *job) any {
	shift := float64(j.size%7) / 100
	emotions := make([]map[string]any, 0, len(cannedEmotions))
	for _, e := range cannedEmotions {
		emotions = append(emotions, map[string]any{"name": e.name, "score": e.score + shift})
	}
	segment := map[string]any{
		"text":     "stub segment",
		"time":     map[string]float64{"begin": 0, "end": 2.5},
		"emotions": emotions,
	}
	return []map[string]any{{
		"source": map[string]string{"type": "file", "filename": j.filename},
		"results": map[string]any{
			"predictions": []map[string]any{{
				"file": j.filename,
				"models": map[string]any{
					"prosody": map[string]any{
						"grouped_predictions": []map[string]any{{
							"id":          id,
							"predictions": []any{segment},
						}},
					},
				},
			}},
			"errors": []any{},
		},
	}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
