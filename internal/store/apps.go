package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

// App is a tenant allowed to call the gateway. The secret hash never leaves the store.
type App struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ClientID  string    `json:"clientId"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const bcryptCost = 10

// CreateApp stores a new app with a bcrypt-hashed secret. Empty clientID or
// secret are generated; the plaintext secret is returned once.
func (s *Store) CreateApp(ctx context.Context, name, clientID, secret string) (*App, string, error) {
	if name == "" {
		return nil, "", errors.New("app name is required")
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if secret == "" {
		secret = uuid.NewString()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash secret: %w", err)
	}

	app := &App{Name: name, ClientID: clientID, IsActive: true}
	err = s.db.QueryRow(ctx, `
		INSERT INTO jiva.apps(name, client_id, client_secret)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		name, clientID, string(hash),
	).Scan(&app.ID, &app.CreatedAt, &app.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, "", fmt.Errorf("app %s: %w", clientID, ErrConflict)
	}
	if err != nil {
		return nil, "", err
	}
	return app, secret, nil
}

// GetApp loads an app by client id.
func (s *Store) GetApp(ctx context.Context, clientID string) (*App, error) {
	app, _, err := s.appWithHash(ctx, clientID)
	return app, err
}

func (s *Store) appWithHash(ctx context.Context, clientID string) (*App, string, error) {
	var (
		app  App
		hash string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, client_id, client_secret, is_active, created_at, updated_at
		FROM jiva.apps WHERE client_id = $1`, clientID,
	).Scan(&app.ID, &app.Name, &app.ClientID, &hash, &app.IsActive, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("app %s: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return nil, "", err
	}
	return &app, hash, nil
}

// ValidateCredentials returns the app when the secret matches and the app is
// active. Every rejection is ErrInvalidCredentials.
func (s *Store) ValidateCredentials(ctx context.Context, clientID, secret string) (*App, error) {
	app, hash, err := s.appWithHash(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !app.IsActive {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return nil, ErrInvalidCredentials
	}
	return app, nil
}

// SetAppActive enables or disables an app.
func (s *Store) SetAppActive(ctx context.Context, clientID string, active bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jiva.apps SET is_active = $2, updated_at = now() WHERE client_id = $1`,
		clientID, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("app %s: %w", clientID, ErrNotFound)
	}
	return nil
}

type seedApp struct {
	name, clientID, secret string
}

var defaultApps = []seedApp{
	{"Jiva Flow Frontend", "jiva-flow-web", "jiva-flow-secret"},
	{"Inventory App", "inventory-app", "inventory-secret"},
}

// SeedApps inserts the default apps when the apps table is empty and reports
// how many were created.
func (s *Store) SeedApps(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM jiva.apps`).Scan(&count); err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Plain().Debug("apps already seeded")
		return 0, nil
	}
	for i, a := range defaultApps {
		if _, _, err := s.CreateApp(ctx, a.name, a.clientID, a.secret); err != nil {
			return i, fmt.Errorf("seed %s: %w", a.clientID, err)
		}
		s.logger.Plain().WithTenant(a.clientID).WithField("name", a.name).Info("seeded app")
	}
	return len(defaultApps), nil
}
