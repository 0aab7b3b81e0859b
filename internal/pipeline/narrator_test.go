package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hubenschmidt/mindmap/internal/emotion"
	"github.com/hubenschmidt/mindmap/internal/prompts"
)

// fakeChat serves /v1/chat/completions with a fixed body and records the
// last request.
type fakeChat struct {
	body string

	mu  sync.Mutex
	req map[string]any
}

func (f *fakeChat) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.req = req
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(f.body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chatResponse(choices string) string {
	return `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"narrator-test","choices":` + choices + `}`
}

func testSummary() *emotion.Summary {
	return emotion.Insights(joyScores(), nil)
}

func TestNarrateReturnsTrimmedText(t *testing.T) {
	t.Parallel()

	f := &fakeChat{body: chatResponse(`[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  The voice sounded bright and engaged.\n"}}]`)}
	srv := f.server(t)
	n := NewNarrator(NarratorConfig{BaseURL: srv.URL + "/v1/", APIKey: "test-key", Model: "narrator-test", MaxTokens: 50})

	valence := 80.0
	text, err := n.Narrate(context.Background(), testSummary(), emotion.ClinicalProxies{}, &valence)
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if text != "The voice sounded bright and engaged." {
		t.Errorf("text = %q", text)
	}

	f.mu.Lock()
	req := f.req
	f.mu.Unlock()
	if req["model"] != "narrator-test" {
		t.Errorf("model = %v", req["model"])
	}
	msgs, _ := req["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", req["messages"])
	}
	system, _ := msgs[0].(map[string]any)
	user, _ := msgs[1].(map[string]any)
	if system["role"] != "system" || system["content"] != prompts.DefaultSystem {
		t.Errorf("system message = %v", system)
	}
	if content, _ := user["content"].(string); user["role"] != "user" || !strings.Contains(content, "Joy") || !strings.Contains(content, "Valence: 80/100") {
		t.Errorf("user message = %v", user)
	}
}

func TestNarrateEmptyChoices(t *testing.T) {
	t.Parallel()

	f := &fakeChat{body: chatResponse(`[]`)}
	srv := f.server(t)
	n := NewNarrator(NarratorConfig{BaseURL: srv.URL + "/v1/", APIKey: "test-key"})

	text, err := n.Narrate(context.Background(), testSummary(), emotion.ClinicalProxies{}, nil)
	if err == nil || !strings.Contains(err.Error(), "no choices") {
		t.Fatalf("err = %v, text = %q; want no-choices error", err, text)
	}
}

func TestNarrateGuards(t *testing.T) {
	t.Parallel()

	var nilNarrator *Narrator
	if _, err := nilNarrator.Narrate(context.Background(), testSummary(), emotion.ClinicalProxies{}, nil); !errors.Is(err, ErrNoNarrator) {
		t.Errorf("nil narrator err = %v", err)
	}
	if NewNarrator(NarratorConfig{}) != nil {
		t.Error("narrator without key or URL should be nil")
	}
	n := NewNarrator(NarratorConfig{BaseURL: "http://127.0.0.1:1/v1/", APIKey: "k"})
	if _, err := n.Narrate(context.Background(), nil, emotion.ClinicalProxies{}, nil); !errors.Is(err, ErrNoScores) {
		t.Errorf("nil summary err = %v", err)
	}
}
