package hume

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies job client failures.
type Kind string

const (
	KindConfiguration   Kind = "configuration"
	KindSubmission      Kind = "submission"
	KindPollingTimeout  Kind = "polling_timeout"
	KindJobFailed       Kind = "job_failed"
	KindExtractionEmpty Kind = "extraction_empty"
)

// Error is a classified job client failure. Match kinds with errors.Is
// against the Err* sentinels.
type Error struct {
	Kind   Kind
	JobID  string
	Status int // upstream HTTP status, when one caused the failure
	Msg    string
	Err    error
}

var (
	ErrConfiguration   = &Error{Kind: KindConfiguration}
	ErrSubmission      = &Error{Kind: KindSubmission}
	ErrPollingTimeout  = &Error{Kind: KindPollingTimeout}
	ErrJobFailed       = &Error{Kind: KindJobFailed}
	ErrExtractionEmpty = &Error{Kind: KindExtractionEmpty}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("hume ")
	b.WriteString(string(e.Kind))
	if e.JobID != "" {
		fmt.Fprintf(&b, " (job %s)", e.JobID)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.JobID == "" && t.Kind == e.Kind
}

// KindOf returns the failure kind of err, or "" when err is not a job
// client error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Messages shown to users. The extraction message matches what the
// dashboard has always displayed for silent or unintelligible uploads.
const (
	MsgNotConfigured = "Emotion analysis is not configured. Set HUME_API_KEY and try again."
	MsgSubmitFailed  = "Could not start emotion analysis for this file."
	MsgTimeout       = "Emotion analysis took too long. Try again or use a shorter recording."
	MsgNoSpeech      = "No clear speech detected in the recording."
	MsgNoEmotions    = "No emotions detected in audio. Try a recording with clearer speech."
	MsgJobFailed     = "Emotion analysis failed."
)

// transcriptionHints mark upstream failures caused by missing speech.
var transcriptionHints = []string{"transcri", "no speech", "language detection"}

// UserMessage maps err to a short message suitable for the dashboard.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return MsgTimeout
	}
	var e *Error
	if !errors.As(err, &e) {
		return MsgJobFailed
	}
	switch e.Kind {
	case KindConfiguration:
		return MsgNotConfigured
	case KindSubmission:
		return MsgSubmitFailed
	case KindPollingTimeout:
		return MsgTimeout
	case KindExtractionEmpty:
		return MsgNoEmotions
	}
	reason := strings.ToLower(e.Msg)
	for _, h := range transcriptionHints {
		if strings.Contains(reason, h) {
			return MsgNoSpeech
		}
	}
	if e.Msg != "" {
		return MsgJobFailed + " " + e.Msg
	}
	return MsgJobFailed
}
