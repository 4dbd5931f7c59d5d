// Package api is the public HTTP surface of the gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/jiva_gateway/internal/admission"
	"github.com/austindbirch/jiva_gateway/internal/auth"
	"github.com/austindbirch/jiva_gateway/internal/health"
	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/queue"
	"github.com/austindbirch/jiva_gateway/internal/store"
)

// maxBodyBytes leaves room for several base64 images.
const maxBodyBytes = 20 << 20

// JobQueue is the part of the queue registry the API uses.
type JobQueue interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload any, opts *queue.Options) (*queue.Job, error)
	GetJob(ctx context.Context, queueName, id string) (*queue.Job, error)
}

// Apps covers app credentials and webhook registrations.
type Apps interface {
	ValidateCredentials(ctx context.Context, clientID, secret string) (*store.App, error)
	CreateWebhook(ctx context.Context, clientID, url, secret string) (*store.Webhook, error)
	DeleteWebhook(ctx context.Context, clientID, id string) error
}

type Deps struct {
	Queue     JobQueue
	Apps      Apps
	Tokens    *auth.JWT
	Admission *admission.Controller
	Ready     *health.Checker
	Gatherer  prometheus.Gatherer
	Logger    *logging.Logger
}

type Server struct {
	deps   Deps
	log    *logging.Logger
	router chi.Router
	srv    *http.Server
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Ready == nil {
		d.Ready = health.NewChecker(time.Second)
	}
	s := &Server{deps: d, log: d.Logger}
	s.setupRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/api", func(r chi.Router) {
		r.Get("/health", health.LiveHandler())
		r.Get("/health/ready", s.deps.Ready.ReadyHandler())

		r.Group(func(r chi.Router) {
			if s.deps.Admission != nil {
				r.Use(s.deps.Admission.Middleware)
			}

			r.Post("/auth/login", s.handleLogin)
			r.Post("/auth/apps/login", s.handleLogin)

			r.Group(func(r chi.Router) {
				r.Use(s.deps.Tokens.HTTPMiddleware)

				r.Post("/llm/generate", s.handleGenerate)
				r.Post("/llm/analyse-medicines", s.handleAnalyseMedicines)
				r.Get("/llm/jobs/{id}", s.handleGetJob)

				r.Post("/webhooks/register", s.handleRegisterWebhook)
				r.Delete("/webhooks/{webhookId}", s.handleDeleteWebhook)
			})
		})
	})

	s.router = r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Plain().WithField("addr", addr).Info("HTTP server starting")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Plain().WithError(err).Fatal("HTTP server failed")
		}
	}()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type dataResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Plain().WithError(err).Error("encode response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
