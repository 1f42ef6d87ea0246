package codegen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/sketchmesh/mesh"
)

func TestOllamaChat_Generate(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gemma3","message":{"role":"assistant","content":"import bpy"},"done":true}`))
	}))
	defer srv.Close()

	gen := NewOllamaChat(srv.URL, "gemma3", 0.1, 5*time.Second)
	out, err := gen.Generate(context.Background(), "build a house")

	require.NoError(t, err)
	assert.Equal(t, "import bpy", out)
	assert.Equal(t, "gemma3", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "build a house", got.Messages[0].Content)
	assert.InDelta(t, 0.1, got.Options["temperature"], 1e-9)
}

func TestOllamaChat_StatusIsTransport(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewOllamaChat(srv.URL, "gemma3", 0.1, 5*time.Second).Generate(context.Background(), "p")

	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, mesh.ErrTransport)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "the loop owns retries, the client must not")
}

func TestOllamaChat_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewOllamaChat(url, "gemma3", 0.1, time.Second).Generate(context.Background(), "p")

	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestOllamaChat_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"  "}}`))
	}))
	defer srv.Close()

	_, err := NewOllamaChat(srv.URL, "gemma3", 0.1, time.Second).Generate(context.Background(), "p")

	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.False(t, IsTransport(err))
}

func TestOllamaChat_MalformedBodyIsNotTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewOllamaChat(srv.URL, "gemma3", 0.1, time.Second).Generate(context.Background(), "p")

	require.Error(t, err)
	assert.False(t, IsTransport(err))
}

func TestOllamaGenerate_Generate(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":"` + "```python\\nx = 2\\n```" + `","done":true}`))
	}))
	defer srv.Close()

	out, err := NewOllamaGenerate(srv.URL+"/", mesh.DefaultReviseModel, time.Second).Generate(context.Background(), "change it")

	require.NoError(t, err)
	assert.Equal(t, "```python\nx = 2\n```", out)
	assert.Equal(t, "qwen2.5-coder:7", got.Model)
	assert.Equal(t, "change it", got.Prompt)
	assert.False(t, got.Stream)
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		host, want string
	}{
		{"http://localhost:11434", "http://localhost:11434/api/chat"},
		{"http://localhost:11434/", "http://localhost:11434/api/chat"},
		{"ollama:11434", "http://ollama:11434/api/chat"},
		{"", mesh.DefaultGeneratorHost + "/api/chat"},
	}
	for _, tt := range tests {
		if got := endpoint(tt.host, "/api/chat"); got != tt.want {
			t.Errorf("endpoint(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}
