package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/jiva_gateway/internal/logging"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// Pinger is satisfied by *pgxpool.Pool, the Redis clients and the queue registry.
type Pinger interface {
	Ping(ctx context.Context) error
}

func PingCheck(p Pinger) Check {
	return p.Ping
}

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

type named struct {
	name  string
	check Check
}

// Checker runs readiness checks concurrently, each bounded by timeout.
type Checker struct {
	checks  []named
	timeout time.Duration
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Checker{timeout: timeout}
}

// Add registers a check under name, e.g. "database", "redis", "ai".
func (c *Checker) Add(name string, check Check) *Checker {
	c.checks = append(c.checks, named{name, check})
	return c
}

// Run executes every check and reports "ok" or the error text per check.
func (c *Checker) Run(ctx context.Context) Status {
	st := Status{OK: true, Message: "ok", Checks: make(map[string]string, len(c.checks))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, n := range c.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			result := "ok"
			if err := n.check(cctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			st.Checks[n.name] = result
			if result != "ok" {
				st.OK = false
				st.Message = n.name + " check failed"
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return st
}

// LiveHandler reports that the process is up without touching dependencies.
func LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, Status{OK: true, Message: "ok"})
	}
}

// ReadyHandler runs the checks and answers 503 when any fails.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Run(r.Context())
		code := http.StatusOK
		if !st.OK {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, st)
	}
}

func writeStatus(w http.ResponseWriter, code int, st Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(st)
}

// Serve keeps the gRPC health status of service in line with the checks
// until ctx is done. It updates once immediately.
func (c *Checker) Serve(ctx context.Context, hs *health.Server, service string, interval time.Duration, logger *logging.Logger) {
	if logger == nil {
		logger = logging.Default()
	}
	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		st := c.Run(ctx)
		next := healthpb.HealthCheckResponse_SERVING
		if !st.OK {
			next = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if next != last {
			logger.Plain().WithFields(map[string]any{"grpc_service": service, "status": next.String(), "checks": st.Checks}).
				Info("health status changed")
			last = next
		}
		hs.SetServingStatus(service, next)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
