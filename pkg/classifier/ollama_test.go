package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"smartguard/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOllama(t *testing.T, handler http.HandlerFunc) *Ollama {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllama(&config.ClassificationConfig{
		Endpoint: srv.URL + "/api/generate",
		Model:    "llama3.2:3b",
		Timeout:  2 * time.Second,
	}, nil)
}

func TestOllamaGenerate(t *testing.T) {
	o := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2:3b", req["model"])
		assert.Equal(t, false, req["stream"])
		assert.Contains(t, req["prompt"], "khanacademy.org")

		opts, ok := req["options"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 0.0, opts["temperature"])
		assert.Equal(t, 0.9, opts["top_p"])
		assert.Equal(t, 20.0, opts["num_predict"])

		_ = json.NewEncoder(w).Encode(map[string]any{"response": "Educational", "done": true})
	})

	out, err := o.Generate(context.Background(), Prompt("khanacademy.org"))
	require.NoError(t, err)
	assert.Equal(t, "Educational", out)
}

func TestOllamaErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-200", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}},
		{"error field", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"error":"model not found"}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOllama(t, tt.handler)
			_, err := o.Generate(context.Background(), "prompt")
			assert.ErrorIs(t, err, ErrService)
		})
	}
}

func TestOllamaContextCancel(t *testing.T) {
	release := make(chan struct{})
	o := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := o.Generate(ctx, "prompt")
	assert.ErrorIs(t, err, ErrService)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOllamaUnreachable(t *testing.T) {
	o := NewOllama(&config.ClassificationConfig{
		Endpoint: "http://127.0.0.1:1/api/generate",
		Model:    "m",
		Timeout:  time.Second,
	}, nil)

	_, err := o.Generate(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrService)
}
