package hume

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hubenschmidt/mindmap/internal/emotion"
	"github.com/hubenschmidt/mindmap/internal/metrics"
	"github.com/hubenschmidt/mindmap/internal/trace"
)

const (
	DefaultBaseURL = "https://api.hume.ai"
	// PlaceholderAPIKey is shipped in example env files and never valid.
	PlaceholderAPIKey = "HUME_API_KEY_PLACEHOLDER"

	apiKeyHeader = "X-Hume-Api-Key"
	maxErrorBody = 512
)

var defaultModels = json.RawMessage(`{"prosody":{}}`)

// Config holds batch job client settings.
type Config struct {
	BaseURL      string
	APIKey       string
	Models       json.RawMessage // model selection sent with the job
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	HTTPClient   *http.Client
}

// DefaultConfig returns production polling settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		Models:       defaultModels,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2,
		MaxAttempts:  30,
	}
}

// Client submits recordings to the batch expression measurement API and
// waits for emotion scores.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a client, filling unset fields from DefaultConfig.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.Models) == 0 {
		cfg.Models = def.Models
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.InitialDelay)
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = NewHTTPClient(4, 60*time.Second)
	}
	return &Client{cfg: cfg, client: hc}
}

// Configured reports whether a usable API key is set.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != "" && c.cfg.APIKey != PlaceholderAPIKey
}

// Result is a finished job.
type Result struct {
	JobID    string
	Scores   *emotion.Scores
	Attempts int
	Source   string
}

// SubmitAndAwait uploads audio, waits for the job and returns max-per-label
// emotion scores. Failures are *Error values.
func (c *Client) SubmitAndAwait(ctx context.Context, audio []byte, mimeType, filename string) (*emotion.Scores, error) {
	res, err := c.Analyze(ctx, audio, mimeType, filename)
	if err != nil {
		return nil, err
	}
	return res.Scores, nil
}

// Analyze is SubmitAndAwait with job bookkeeping returned alongside the scores.
func (c *Client) Analyze(ctx context.Context, audio []byte, mimeType, filename string) (*Result, error) {
	start := time.Now()
	res, err := c.analyze(ctx, audio, mimeType, filename)
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "canceled"
		}
		metrics.Errors.WithLabelValues("hume", outcome).Inc()
	}
	metrics.JobsTotal.WithLabelValues(outcome).Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())
	return res, err
}

func (c *Client) analyze(ctx context.Context, audio []byte, mimeType, filename string) (*Result, error) {
	if !c.Configured() {
		return nil, &Error{Kind: KindConfiguration, Msg: "HUME_API_KEY is missing or a placeholder"}
	}

	jobID, err := c.Submit(ctx, audio, mimeType, filename)
	if err != nil {
		return nil, err
	}
	slog.Info("hume job submitted", "job_id", jobID, "file", filename, "bytes", len(audio))

	attempts, err := c.Await(ctx, jobID)
	metrics.PollAttempts.Observe(float64(attempts))
	if err != nil {
		return nil, err
	}

	body, err := c.Predictions(ctx, jobID)
	if err != nil {
		return nil, err
	}

	exStart := time.Now()
	ex := Extract(body)
	trace.Record(ctx, "extract", exStart, fmt.Sprintf("%d bytes", len(body)), fmt.Sprintf("%d labels via %s", ex.Scores.Len(), ex.Source), nil)
	if ex.Scores.Empty() {
		if len(ex.Reasons) > 0 {
			return nil, &Error{Kind: KindJobFailed, JobID: jobID, Msg: strings.Join(ex.Reasons, "; ")}
		}
		return nil, &Error{Kind: KindExtractionEmpty, JobID: jobID, Msg: "no emotion scores in predictions"}
	}
	metrics.EmotionLabels.Observe(float64(ex.Scores.Len()))
	slog.Info("hume job completed", "job_id", jobID, "labels", ex.Scores.Len(), "source", ex.Source, "attempts", attempts)

	return &Result{JobID: jobID, Scores: ex.Scores, Attempts: attempts, Source: ex.Source}, nil
}

// Submit creates a batch job for the recording and returns its ID.
// Rejections are terminal.
func (c *Client) Submit(ctx context.Context, audio []byte, mimeType, filename string) (jobID string, err error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("submit").Observe(time.Since(start).Seconds())
		trace.Record(ctx, "submit", start, filename, jobID, err)
	}()

	body, contentType, err := buildJobRequest(c.cfg.Models, audio, mimeType, filename)
	if err != nil {
		return "", &Error{Kind: KindSubmission, Msg: "build request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/v0/batch/jobs", body)
	if err != nil {
		return "", &Error{Kind: KindSubmission, Msg: "create request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Error{Kind: KindSubmission, Msg: "request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &Error{Kind: KindSubmission, Status: resp.StatusCode, Msg: "read response", Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &Error{Kind: KindConfiguration, Status: resp.StatusCode, Msg: fmt.Sprintf("submit status %d: %s", resp.StatusCode, clip(respBody))}
	}
	if resp.StatusCode/100 != 2 {
		return "", &Error{Kind: KindSubmission, Status: resp.StatusCode, Msg: fmt.Sprintf("submit status %d: %s", resp.StatusCode, clip(respBody))}
	}
	jobID = parseJobID(respBody)
	if jobID == "" {
		return "", &Error{Kind: KindSubmission, Status: resp.StatusCode, Msg: "response has no job id: " + clip(respBody)}
	}
	return jobID, nil
}

var errNotReady = errors.New("job not complete")

// Await polls the job until it completes, fails or the attempt budget is
// spent. It returns the number of polls made.
func (c *Client) Await(ctx context.Context, jobID string) (attempts int, err error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("poll").Observe(time.Since(start).Seconds())
		trace.Record(ctx, "poll", start, jobID, fmt.Sprintf("%d attempts", attempts), err)
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialDelay
	b.MaxInterval = c.cfg.MaxDelay
	b.Multiplier = c.cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)

	poll := func() error {
		attempts++
		state, reason, perr := c.status(ctx, jobID)
		if perr != nil {
			return perr
		}
		switch state {
		case stateCompleted:
			return nil
		case stateFailed:
			if reason == "" {
				reason = "job reported failure"
			}
			return backoff.Permanent(&Error{Kind: KindJobFailed, JobID: jobID, Msg: reason})
		}
		return errNotReady
	}
	notify := func(err error, wait time.Duration) {
		if !errors.Is(err, errNotReady) {
			slog.Warn("hume poll retry", "job_id", jobID, "attempt", attempts, "wait", wait, "error", err)
			return
		}
		slog.Debug("hume job pending", "job_id", jobID, "attempt", attempts, "wait", wait)
	}

	err = backoff.RetryNotify(poll, policy, notify)
	var herr *Error
	switch {
	case err == nil:
		return attempts, nil
	case errors.As(err, &herr):
		return attempts, herr
	case ctx.Err() != nil:
		return attempts, fmt.Errorf("await job %s: %w", jobID, ctx.Err())
	}
	return attempts, &Error{Kind: KindPollingTimeout, JobID: jobID, Msg: fmt.Sprintf("not complete after %d polls", attempts), Err: err}
}

// status fetches job details. Transport errors, 5xx and 429 are returned
// as retryable; auth and not-found responses are permanent.
func (c *Client) status(ctx context.Context, jobID string) (jobState, string, error) {
	body, code, err := c.get(ctx, "/v0/batch/jobs/"+jobID)
	if err != nil {
		if ctx.Err() != nil {
			return statePending, "", backoff.Permanent(ctx.Err())
		}
		return statePending, "", fmt.Errorf("poll request: %w", err)
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return statePending, "", backoff.Permanent(&Error{Kind: KindConfiguration, JobID: jobID, Status: code, Msg: "poll rejected credentials"})
	case code == http.StatusNotFound:
		return statePending, "", backoff.Permanent(&Error{Kind: KindJobFailed, JobID: jobID, Status: code, Msg: "job not found"})
	case code/100 != 2:
		metrics.Errors.WithLabelValues("poll", "status").Inc()
		return statePending, "", fmt.Errorf("poll status %d: %s", code, clip(body))
	}
	state, reason := parseStatus(body)
	return state, reason, nil
}

// Predictions downloads the raw predictions payload of a completed job.
func (c *Client) Predictions(ctx context.Context, jobID string) (body []byte, err error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("predictions").Observe(time.Since(start).Seconds())
		trace.Record(ctx, "predictions", start, jobID, fmt.Sprintf("%d bytes", len(body)), err)
	}()

	body, code, err := c.get(ctx, "/v0/batch/jobs/"+jobID+"/predictions")
	if err != nil {
		return nil, &Error{Kind: KindJobFailed, JobID: jobID, Msg: "fetch predictions", Err: err}
	}
	if code/100 != 2 {
		return nil, &Error{Kind: KindJobFailed, JobID: jobID, Status: code, Msg: fmt.Sprintf("predictions status %d: %s", code, clip(body))}
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return body, resp.StatusCode, err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// buildJobRequest encodes the job configuration and the recording as the
// multipart form the batch endpoint expects.
func buildJobRequest(models json.RawMessage, audio []byte, mimeType, filename string) (*bytes.Buffer, string, error) {
	cfg, err := json.Marshal(map[string]json.RawMessage{"models": models})
	if err != nil {
		return nil, "", fmt.Errorf("marshal job config: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err = writer.WriteField("json", string(cfg)); err != nil {
		return nil, "", fmt.Errorf("write json field: %w", err)
	}

	if filename == "" {
		filename = "recording"
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err = part.Write(audio); err != nil {
		return nil, "", fmt.Errorf("write audio: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

func clip(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
