package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/austindbirch/jiva_gateway/internal/config"
)

func TestGenerateRequestMarshal(t *testing.T) {
	tests := []struct {
		name     string
		req      GenerateRequest
		want     map[string]any
		wantMiss []string
	}{
		{
			name:     "core fields only",
			req:      GenerateRequest{Model: "llama3", Prompt: "hi", Images: []string{"AAAA"}},
			want:     map[string]any{"model": "llama3", "prompt": "hi", "stream": false},
			wantMiss: []string{"categories"},
		},
		{
			name:     "metadata merged at top level",
			req:      GenerateRequest{Model: "llama3", Prompt: "hi", Metadata: map[string]any{"userId": "123"}},
			want:     map[string]any{"model": "llama3", "userId": "123"},
			wantMiss: []string{"images", "categories", "metadata"},
		},
		{
			name: "metadata model wins",
			req:  GenerateRequest{Model: "llama3", Prompt: "hi", Metadata: map[string]any{"model": "llava"}},
			want: map[string]any{"model": "llava", "prompt": "hi"},
		},
		{
			name: "stream stays pinned",
			req:  GenerateRequest{Model: "llama3", Prompt: "hi", Metadata: map[string]any{"stream": true}},
			want: map[string]any{"stream": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.req)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("body[%q] = %v, want %v", k, got[k], v)
				}
			}
			for _, k := range tt.wantMiss {
				if _, ok := got[k]; ok {
					t.Errorf("body has %q, want it omitted", k)
				}
			}
		})
	}
}

func TestGenerateHonoursMetadataModel(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &received)
		_, _ = w.Write([]byte(`{"response":"ok","done":true}`))
	}))
	defer srv.Close()

	c := New(config.AI{BaseURL: srv.URL, Timeout: time.Second}, nil)
	req := GenerateRequest{Prompt: "x", Metadata: map[string]any{"model": "llava"}}
	if _, err := c.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if received["model"] != "llava" {
		t.Errorf("backend received model = %v, want llava", received["model"])
	}
	if got := req.EffectiveModel(); got != "llava" {
		t.Errorf("EffectiveModel() = %q, want llava", got)
	}
}

func TestStripDataURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"data:image/png;base64,AAAA", "AAAA"},
		{"data:image/jpeg;base64,/9j/4AAQ", "/9j/4AAQ"},
		{"AAAA", "AAAA"},
		{"data:broken", "data:broken"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := StripDataURI(tt.in); got != tt.want {
			t.Errorf("StripDataURI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	got := StripDataURIs([]string{"data:image/png;base64,AAAA", "BBBB"})
	if got[0] != "AAAA" || got[1] != "BBBB" {
		t.Errorf("StripDataURIs() = %v", got)
	}
}

func TestGenerate(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/generate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &received)
		_, _ = w.Write([]byte(`{"model":"llama3","response":"hello","done":true}`))
	}))
	defer srv.Close()

	c := New(config.AI{BaseURL: srv.URL + "/api/", Timeout: time.Second}, nil)
	out, err := c.Generate(context.Background(), GenerateRequest{Prompt: "say hello", Stream: true})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if received["model"] != "llama3" || received["stream"] != false {
		t.Errorf("backend received %v", received)
	}

	var resp struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(out, &resp); err != nil || resp.Response != "hello" {
		t.Errorf("Generate() = %s, %v", out, err)
	}
}

func TestGenerateBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(config.AI{BaseURL: srv.URL}, nil)
	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "x"})

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("Generate() err = %v, want *BackendError", err)
	}
	if be.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d", be.StatusCode)
	}
}

func TestGenerateTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(config.AI{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	if _, err := c.Generate(context.Background(), GenerateRequest{Prompt: "x"}); err == nil {
		t.Error("Generate() should time out")
	}
}

func TestTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest","model":"llama3:latest","size":42}]}`))
	}))
	defer srv.Close()

	c := New(config.AI{BaseURL: srv.URL}, nil)
	tags, err := c.Tags(context.Background())
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	if len(tags.Models) != 1 || tags.Models[0].Name != "llama3:latest" {
		t.Errorf("Tags() = %+v", tags)
	}
	if c.Model() != "llama3" {
		t.Errorf("Model() = %q", c.Model())
	}
}
