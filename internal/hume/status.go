package hume

import (
	"strings"

	"github.com/tidwall/gjson"
)

type jobState int

const (
	statePending jobState = iota
	stateCompleted
	stateFailed
)

func (s jobState) String() string {
	switch s {
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	}
	return "pending"
}

var (
	statusPaths = []string{"state.status", "status", "job.state.status", "state"}
	reasonPaths = []string{"state.message", "message", "error", "state.error", "job.state.message"}
	jobIDPaths  = []string{"job_id", "jobId", "id"}
)

var statusWords = map[string]jobState{
	"COMPLETED": stateCompleted,
	"COMPLETE":  stateCompleted,
	"SUCCEEDED": stateCompleted,
	"SUCCESS":   stateCompleted,
	"DONE":      stateCompleted,
	"FAILED":    stateFailed,
	"FAILURE":   stateFailed,
	"ERROR":     stateFailed,
	"CANCELLED": stateFailed,
	"CANCELED":  stateFailed,
}

// parseStatus reads a job-details payload. Anything unrecognised is
// treated as still in progress.
func parseStatus(body []byte) (jobState, string) {
	if !gjson.ValidBytes(body) {
		return statePending, ""
	}
	root := gjson.ParseBytes(body)
	word := firstString(root, statusPaths)
	state := statusWords[strings.ToUpper(strings.TrimSpace(word))]
	if state != stateFailed {
		return state, ""
	}
	return state, firstString(root, reasonPaths)
}

func parseJobID(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	return firstString(gjson.ParseBytes(body), jobIDPaths)
}

func firstString(root gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := root.Get(p); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
