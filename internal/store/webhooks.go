package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/jiva_gateway/internal/webhook"
)

type Webhook struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	URL       string    `json:"webhookUrl"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url: missing host")
	}
	return nil
}

// CreateWebhook registers an endpoint for clientID. URL and secret are
// globally unique; a duplicate returns ErrConflict. The secret is required.
func (s *Store) CreateWebhook(ctx context.Context, clientID, rawURL, secret string) (*Webhook, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, ErrMissingSecret
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM jiva.webhooks WHERE client_id = $1 AND url = $2)`,
		clientID, rawURL,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("webhook %s: %w", rawURL, ErrConflict)
	}

	wh := &Webhook{ClientID: clientID, URL: rawURL, IsActive: true}
	err := s.db.QueryRow(ctx, `
		INSERT INTO jiva.webhooks(client_id, url, secret)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		clientID, rawURL, secret,
	).Scan(&wh.ID, &wh.CreatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("webhook %s: %w", rawURL, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithTenant(clientID).WithEndpoint(wh.ID).WithField("url", rawURL).Info("webhook registered")
	return wh, nil
}

// DeleteWebhook removes a webhook owned by clientID.
func (s *Store) DeleteWebhook(ctx context.Context, clientID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	tag, err := s.db.Exec(ctx, `
		DELETE FROM jiva.webhooks WHERE id = $1 AND client_id = $2`, id, clientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	s.logger.WithContext(ctx).WithTenant(clientID).WithEndpoint(id).Info("webhook deleted")
	return nil
}

// ActiveEndpoints lists the active webhooks of clientID with their secrets.
func (s *Store) ActiveEndpoints(ctx context.Context, clientID string) ([]webhook.Endpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, client_id, url, secret
		FROM jiva.webhooks
		WHERE client_id = $1 AND is_active
		ORDER BY created_at`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []webhook.Endpoint
	for rows.Next() {
		var ep webhook.Endpoint
		if err := rows.Scan(&ep.ID, &ep.ClientID, &ep.URL, &ep.Secret); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

var _ webhook.EndpointSource = (*Store)(nil)
