package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/jiva_gateway/internal/auth"
	"github.com/austindbirch/jiva_gateway/internal/llm"
	"github.com/austindbirch/jiva_gateway/internal/processor"
	"github.com/austindbirch/jiva_gateway/internal/queue"
	"github.com/austindbirch/jiva_gateway/internal/store"
)

type loginRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type loginResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		s.writeError(w, http.StatusBadRequest, "clientId and clientSecret are required")
		return
	}

	app, err := s.deps.Apps.ValidateCredentials(r.Context(), req.ClientID, req.ClientSecret)
	if errors.Is(err, store.ErrInvalidCredentials) {
		s.writeError(w, http.StatusUnauthorized, "Invalid credentials or app is disabled")
		return
	}
	if err != nil {
		s.log.WithContext(r.Context()).WithTenant(req.ClientID).WithError(err).Error("credential check failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := s.deps.Tokens.Issue(app.ID, app.Name, app.ClientID)
	if err != nil {
		s.log.WithContext(r.Context()).WithTenant(app.ClientID).WithError(err).Error("sign token failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		ExpiresIn:   int(s.deps.Tokens.TTL().Seconds()),
	})
}

type generateRequest struct {
	Prompt   string         `json:"prompt"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type analyseRequest struct {
	Images     []string `json:"images"`
	Categories []string `json:"categories,omitempty"`
}

type jobAccepted struct {
	AIJobID string `json:"aiJobId"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	clientID, _ := auth.ClientIDFromContext(r.Context())
	s.enqueue(w, r, processor.Payload{
		Prompt:   req.Prompt,
		ClientID: clientID,
		Metadata: req.Metadata,
	}, "Generation job queued successfully")
}

func (s *Server) handleAnalyseMedicines(w http.ResponseWriter, r *http.Request) {
	var req analyseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Images) == 0 {
		s.writeError(w, http.StatusBadRequest, "images must be a non-empty array")
		return
	}
	for _, img := range req.Images {
		if img == "" {
			s.writeError(w, http.StatusBadRequest, "images must be non-empty strings")
			return
		}
	}
	clientID, _ := auth.ClientIDFromContext(r.Context())
	s.enqueue(w, r, processor.Payload{
		Prompt:     llm.MedicineAnalysisPrompt,
		Images:     req.Images,
		Categories: req.Categories,
		ClientID:   clientID,
	}, "Analysis job queued successfully")
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, payload processor.Payload, message string) {
	job, err := s.deps.Queue.Enqueue(r.Context(), queue.QueueLLM, processor.JobTypeGenerate, payload, nil)
	switch {
	case errors.Is(err, queue.ErrUnavailable):
		s.log.WithContext(r.Context()).WithTenant(payload.ClientID).WithError(err).Error("enqueue failed")
		s.writeError(w, http.StatusServiceUnavailable, "job queue unavailable, retry later")
		return
	case err != nil:
		s.log.WithContext(r.Context()).WithTenant(payload.ClientID).WithError(err).Error("enqueue failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusAccepted, dataResponse{
		Success: true,
		Data:    jobAccepted{AIJobID: job.ID},
		Message: message,
	})
}

type jobView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	State       queue.State     `json:"state"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	clientID, _ := auth.ClientIDFromContext(r.Context())

	job, err := s.deps.Queue.GetJob(r.Context(), queue.QueueLLM, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.log.WithContext(r.Context()).WithJob(id).WithError(err).Error("load job failed")
		s.writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}

	var owner struct {
		ClientID string `json:"clientId"`
	}
	_ = json.Unmarshal(job.Payload, &owner)
	if owner.ClientID != clientID {
		s.writeError(w, http.StatusNotFound, "Job not found")
		return
	}

	s.writeJSON(w, http.StatusOK, dataResponse{
		Success: true,
		Data: jobView{
			ID:          job.ID,
			Type:        job.Type,
			State:       job.State,
			Attempt:     job.Attempt,
			MaxAttempts: job.MaxAttempts,
			Result:      job.Result,
			LastError:   job.LastError,
			CreatedAt:   job.CreatedAt,
			FinishedAt:  job.FinishedAt,
		},
	})
}

type registerWebhookRequest struct {
	WebhookURL    string `json:"webhookUrl"`
	WebhookSecret string `json:"webhookSecret"`
}

type webhookRef struct {
	ID string `json:"_id"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.WebhookSecret == "" {
		s.writeError(w, http.StatusBadRequest, "webhookSecret is required")
		return
	}
	if err := store.ValidateURL(req.WebhookURL); err != nil {
		s.writeError(w, http.StatusBadRequest, "webhookUrl must be a valid http(s) URL")
		return
	}
	clientID, _ := auth.ClientIDFromContext(r.Context())

	wh, err := s.deps.Apps.CreateWebhook(r.Context(), clientID, req.WebhookURL, req.WebhookSecret)
	if errors.Is(err, store.ErrConflict) {
		s.writeError(w, http.StatusConflict, "Webhook already exists")
		return
	}
	if errors.Is(err, store.ErrMissingSecret) {
		s.writeError(w, http.StatusBadRequest, "webhookSecret is required")
		return
	}
	if err != nil {
		s.log.WithContext(r.Context()).WithTenant(clientID).WithError(err).Error("register webhook failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusCreated, dataResponse{
		Success: true,
		Data:    webhookRef{ID: wh.ID},
		Message: "Webhook registered successfully",
	})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "webhookId")
	clientID, _ := auth.ClientIDFromContext(r.Context())

	err := s.deps.Apps.DeleteWebhook(r.Context(), clientID, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Webhook not found")
		return
	}
	if err != nil {
		s.log.WithContext(r.Context()).WithTenant(clientID).WithEndpoint(id).WithError(err).Error("delete webhook failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, dataResponse{
		Success: true,
		Data:    webhookRef{ID: id},
		Message: "Webhook deleted successfully",
	})
}
