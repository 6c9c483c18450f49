package mockservers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// LLMMockServer speaks just enough of the Anthropic, OpenAI and Ollama
// HTTP APIs to exercise the generation backends.
type LLMMockServer struct {
	Server   *httptest.Server
	Handlers map[string]http.HandlerFunc

	// Reply is returned as the generated text by every default handler
	Reply string

	mu       sync.Mutex
	requests map[string][]map[string]interface{}
	t        *testing.T
}

// NewLLMMockServer creates a new mock LLM server.
func NewLLMMockServer(t *testing.T) *LLMMockServer {
	t.Helper()

	mock := &LLMMockServer{
		Handlers: make(map[string]http.HandlerFunc),
		Reply:    "Sounds good, see you then!",
		requests: make(map[string][]map[string]interface{}),
		t:        t,
	}

	mock.SetupDefaults()

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			var body map[string]interface{}
			if json.Unmarshal(raw, &body) == nil {
				mock.mu.Lock()
				mock.requests[r.URL.Path] = append(mock.requests[r.URL.Path], body)
				mock.mu.Unlock()
			}
		}

		// Match by path
		if handler, ok := mock.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}

		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "not_found", "message": "unknown path " + r.URL.Path},
		})
	}))

	t.Cleanup(func() {
		mock.Server.Close()
	})

	return mock
}

// URL returns the server base URL.
func (m *LLMMockServer) URL() string {
	return m.Server.URL
}

// Requests returns the decoded JSON bodies received on a path.
func (m *LLMMockServer) Requests(path string) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]interface{}(nil), m.requests[path]...)
}

// Fail makes a path answer with the given status.
func (m *LLMMockServer) Fail(path string, status int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "api_error", "message": "mock failure"},
		})
	}
}

// SetupDefaults sets up default response handlers.
func (m *LLMMockServer) SetupDefaults() {
	// Anthropic messages
	m.Handlers["/v1/messages"] = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":            "msg_mock",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-mock",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content": []map[string]interface{}{
				{"type": "text", "text": m.Reply},
			},
			"usage": map[string]int{"input_tokens": 12, "output_tokens": 8},
		})
	}

	// OpenAI chat completions
	openai := func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-mock",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-mock",
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"finish_reason": "stop",
					"logprobs":      nil,
					"message":       map[string]interface{}{"role": "assistant", "content": m.Reply, "refusal": nil},
				},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20},
		})
	}
	m.Handlers["/chat/completions"] = openai
	m.Handlers["/v1/chat/completions"] = openai

	// Ollama chat
	m.Handlers["/api/chat"] = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model":      "llama-mock",
			"created_at": "2026-06-01T09:00:00Z",
			"message":    map[string]string{"role": "assistant", "content": m.Reply},
			"done":       true,
			"eval_count": 8,
		})
	}

	// Ollama model list
	m.Handlers["/api/tags"] = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]string{{"name": "llama3.2"}, {"name": "qwen2.5"}},
		})
	}
}
