package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/jiva_gateway/internal/config"
)

type staticEndpoints struct {
	endpoints []Endpoint
	err       error
	calls     int
}

func (s *staticEndpoints) ActiveEndpoints(ctx context.Context, clientID string) ([]Endpoint, error) {
	s.calls++
	return s.endpoints, s.err
}

func testEvent() Event {
	return Event{
		JobID:       "job-42",
		Type:        "llm-generate",
		Result:      json.RawMessage(`{"response":"ok"}`),
		CompletedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSignMatchesIndependentHMAC(t *testing.T) {
	body := []byte(`{"jobId":"1","result":{}}`)
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if got := Sign("topsecret", body); got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("s3cret", body)

	tests := []struct {
		name   string
		secret string
		body   []byte
		sig    string
		want   bool
	}{
		{"valid", "s3cret", body, sig, true},
		{"valid with prefix", "s3cret", body, "sha256=" + sig, true},
		{"wrong secret", "other", body, sig, false},
		{"tampered body", "s3cret", []byte(`{"a":2}`), sig, false},
		{"not hex", "s3cret", body, "zz", false},
		{"empty", "s3cret", body, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.secret, tt.body, tt.sig); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatchNoEndpoints(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	src := &staticEndpoints{}
	d := NewDispatcher(src, config.Webhook{}, nil)
	if got := d.Dispatch(context.Background(), "inventory-app", testEvent()); len(got) != 0 {
		t.Errorf("Dispatch() = %v, want no attempts", got)
	}
	if src.calls != 1 || atomic.LoadInt32(&hits) != 0 {
		t.Errorf("lookups=%d hits=%d", src.calls, hits)
	}
}

func TestDispatchLookupFailure(t *testing.T) {
	d := NewDispatcher(&staticEndpoints{err: errors.New("db down")}, config.Webhook{}, nil)
	if got := d.Dispatch(context.Background(), "inventory-app", testEvent()); len(got) != 0 {
		t.Errorf("Dispatch() = %v, want no attempts", got)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	var (
		mu       sync.Mutex
		gotBody  []byte
		gotSig   string
		gotIdem  string
		gotCType string
	)
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = b
		gotSig = r.Header.Get("x-jiva-signature")
		gotIdem = r.Header.Get("x-jiva-idempotency-key")
		gotCType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	downURL := down.URL
	down.Close()

	src := &staticEndpoints{endpoints: []Endpoint{
		{ID: "ep-down", ClientID: "c1", URL: downURL, Secret: "s-down"},
		{ID: "ep-good", ClientID: "c1", URL: good.URL, Secret: "s-good"},
		{ID: "ep-502", ClientID: "c1", URL: failing.URL, Secret: "s-502"},
	}}
	d := NewDispatcher(src, config.Webhook{Timeout: 2 * time.Second}, nil)

	attempts := d.Dispatch(context.Background(), "c1", testEvent())
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}

	byID := map[string]int{}
	for i, a := range attempts {
		byID[a.EndpointID] = i
	}

	if a := attempts[byID["ep-down"]]; a.OK || a.Reason != "connection_refused" {
		t.Errorf("unreachable attempt = %+v", a)
	}
	if a := attempts[byID["ep-502"]]; a.OK || a.HTTPStatus != http.StatusBadGateway || a.Reason != "http_5xx" {
		t.Errorf("502 attempt = %+v", a)
	}
	if a := attempts[byID["ep-good"]]; !a.OK || a.HTTPStatus != http.StatusOK {
		t.Errorf("good attempt = %+v", a)
	}

	mu.Lock()
	defer mu.Unlock()
	mac := hmac.New(sha256.New, []byte("s-good"))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Errorf("signature = %s, want %s", gotSig, want)
	}
	if gotIdem != "job-42" {
		t.Errorf("idempotency key = %q", gotIdem)
	}
	if gotCType != "application/json" {
		t.Errorf("Content-Type = %q", gotCType)
	}
	var ev map[string]any
	if err := json.Unmarshal(gotBody, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev["jobId"] != "job-42" || ev["type"] != "llm-generate" || ev["result"] == nil {
		t.Errorf("body = %v", ev)
	}
}

func TestDispatchTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer slow.Close()

	src := &staticEndpoints{endpoints: []Endpoint{{ID: "slow", URL: slow.URL, Secret: "s"}}}
	d := NewDispatcher(src, config.Webhook{Timeout: 30 * time.Millisecond}, nil)

	attempts := d.Dispatch(context.Background(), "c1", testEvent())
	if len(attempts) != 1 || attempts[0].OK || attempts[0].Reason != "timeout" {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestDispatchBoundedConcurrency(t *testing.T) {
	var inflight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
	}))
	defer srv.Close()

	var eps []Endpoint
	for i := 0; i < 8; i++ {
		eps = append(eps, Endpoint{ID: string(rune('a' + i)), URL: srv.URL, Secret: "s"})
	}
	d := NewDispatcher(&staticEndpoints{endpoints: eps}, config.Webhook{Concurrency: 2}, nil)

	for _, a := range d.Dispatch(context.Background(), "c1", testEvent()) {
		if !a.OK {
			t.Errorf("attempt %+v failed", a)
		}
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}
