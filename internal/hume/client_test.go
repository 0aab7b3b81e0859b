package hume

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const joyPredictions = `[{"results":{"predictions":[{"models":{"prosody":{"grouped_predictions":[{"predictions":[
	{"emotions":[{"name":"Joy","score":0.9},{"name":"Sadness","score":0.05}]}]}]}}}],"errors":[]}}]`

// fakeHume serves the batch job endpoints. The job reports completion
// after pendingPolls status requests.
type fakeHume struct {
	t            *testing.T
	pendingPolls int32
	finalStatus  string
	submitStatus int
	predictions  string

	polls    atomic.Int32
	lastFile atomic.Value
}

func (f *fakeHume) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v0/batch/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(apiKeyHeader) != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.submitStatus != 0 {
			http.Error(w, "rejected", f.submitStatus)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			f.t.Errorf("parse multipart: %v", err)
		}
		var cfg struct {
			Models map[string]any `json:"models"`
		}
		if err := json.Unmarshal([]byte(r.FormValue("json")), &cfg); err != nil {
			f.t.Errorf("json field: %v", err)
		}
		if _, ok := cfg.Models["prosody"]; !ok {
			f.t.Errorf("models = %v, want prosody", cfg.Models)
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			f.t.Errorf("file part: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			f.lastFile.Store(hdr.Filename + ":" + hdr.Header.Get("Content-Type") + ":" + string(data))
		}
		w.Write([]byte(`{"job_id":"job-1"}`))
	})
	mux.HandleFunc("GET /v0/batch/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "job-1" {
			http.NotFound(w, r)
			return
		}
		if f.polls.Add(1) <= f.pendingPolls {
			w.Write([]byte(`{"state":{"status":"IN_PROGRESS"}}`))
			return
		}
		w.Write([]byte(f.finalStatus))
	})
	mux.HandleFunc("GET /v0/batch/jobs/{id}/predictions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(f.predictions))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeHume, attempts int) *Client {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		MaxAttempts:  attempts,
		HTTPClient:   srv.Client(),
	})
}

func TestAnalyzeSuccess(t *testing.T) {
	t.Parallel()

	f := &fakeHume{pendingPolls: 2, finalStatus: `{"state":{"status":"COMPLETED"}}`, predictions: joyPredictions}
	c := newTestClient(t, f, 10)

	res, err := c.Analyze(context.Background(), []byte("RIFFdata"), "audio/wav", "clip.wav")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.JobID != "job-1" || res.Attempts != 3 || res.Source != "batch" {
		t.Errorf("result = %+v", res)
	}
	if got := res.Scores.Get("Joy"); got != 0.9 {
		t.Errorf("Joy = %v, want 0.9", got)
	}
	if got := f.lastFile.Load(); got != "clip.wav:audio/wav:RIFFdata" {
		t.Errorf("uploaded file = %v", got)
	}
}

func TestAnalyzeNotConfigured(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	for _, key := range []string{"", PlaceholderAPIKey} {
		c := NewClient(Config{BaseURL: srv.URL, APIKey: key})
		_, err := c.SubmitAndAwait(context.Background(), []byte("x"), "audio/wav", "a.wav")
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("key %q: err = %v, want configuration error", key, err)
		}
	}
	if hits.Load() != 0 {
		t.Errorf("server hit %d times, want none", hits.Load())
	}
}

func TestAnalyzeSubmissionRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusInternalServerError, ErrSubmission},
		{"bad request", http.StatusBadRequest, ErrSubmission},
		{"forbidden", http.StatusForbidden, ErrConfiguration},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeHume{submitStatus: tc.status}
			c := newTestClient(t, f, 3)
			_, err := c.Analyze(context.Background(), []byte("x"), "audio/wav", "a.wav")
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if f.polls.Load() != 0 {
				t.Errorf("polled %d times after rejected submit", f.polls.Load())
			}
		})
	}
}

func TestAnalyzePollingTimeout(t *testing.T) {
	t.Parallel()

	f := &fakeHume{pendingPolls: 1000, predictions: joyPredictions}
	c := newTestClient(t, f, 4)

	_, err := c.Analyze(context.Background(), []byte("x"), "audio/wav", "a.wav")
	if !errors.Is(err, ErrPollingTimeout) {
		t.Fatalf("err = %v, want polling timeout", err)
	}
	if got := f.polls.Load(); got != 4 {
		t.Errorf("polls = %d, want 4", got)
	}
	if UserMessage(err) != MsgTimeout {
		t.Errorf("message = %q", UserMessage(err))
	}
}

func TestAnalyzeJobFailed(t *testing.T) {
	t.Parallel()

	f := &fakeHume{finalStatus: `{"state":{"status":"FAILED","message":"Could not transcribe audio"}}`}
	c := newTestClient(t, f, 10)

	_, err := c.Analyze(context.Background(), []byte("x"), "audio/wav", "a.wav")
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("err = %v, want job failed", err)
	}
	if f.polls.Load() != 1 {
		t.Errorf("polls = %d, want 1", f.polls.Load())
	}
	if UserMessage(err) != MsgNoSpeech {
		t.Errorf("message = %q", UserMessage(err))
	}
}

func TestAnalyzeEmptyPredictions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		predictions string
		want        error
	}{
		{"no emotions", `[{"results":{"predictions":[],"errors":[]}}]`, ErrExtractionEmpty},
		{"upstream reason", `[{"results":{"predictions":[],"errors":[{"message":"file too short"}]}}]`, ErrJobFailed},
		{"all zero scores", `{"emotions":[{"name":"Joy","score":0},{"name":"Fear","score":0}]}`, ErrExtractionEmpty},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeHume{finalStatus: `{"status":"COMPLETED"}`, predictions: tc.predictions}
			c := newTestClient(t, f, 5)
			_, err := c.Analyze(context.Background(), []byte("x"), "audio/wav", "a.wav")
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAwaitRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			http.Error(w, "busy", http.StatusServiceUnavailable)
		case 2:
			http.Error(w, "slow down", http.StatusTooManyRequests)
		default:
			w.Write([]byte(`{"state":{"status":"COMPLETED"}}`))
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", InitialDelay: time.Millisecond, MaxAttempts: 5})
	attempts, err := c.Await(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestAwaitStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":{"status":"RUNNING"}}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", InitialDelay: 10 * time.Millisecond, MaxAttempts: 1000})
	_, err := c.Await(ctx, "job-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
