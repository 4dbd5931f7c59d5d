package store

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/jiva_gateway/internal/cache"
	"github.com/austindbirch/jiva_gateway/internal/logging"
)

const profilePrefix = "app:profile:"

// AppGetter loads an app from the system of record.
type AppGetter interface {
	GetApp(ctx context.Context, clientID string) (*App, error)
}

// ProfileCache is a read-through cache of app profiles.
type ProfileCache struct {
	apps   AppGetter
	cache  cache.Cache
	ttl    time.Duration
	logger *logging.Logger
}

func NewProfileCache(apps AppGetter, c cache.Cache, ttl time.Duration, logger *logging.Logger) *ProfileCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ProfileCache{apps: apps, cache: c, ttl: ttl, logger: logger}
}

// Profile returns the cached app, loading and caching it on a miss. Cache
// errors fall through to the store.
func (p *ProfileCache) Profile(ctx context.Context, clientID string) (*App, error) {
	key := profilePrefix + clientID
	var app App
	err := cache.GetJSON(ctx, p.cache, key, &app)
	if err == nil {
		return &app, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		p.logger.WithContext(ctx).WithTenant(clientID).WithError(err).Warn("profile cache read failed")
	}

	loaded, err := p.apps.GetApp(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, p.cache, key, loaded, p.ttl); err != nil {
		p.logger.WithContext(ctx).WithTenant(clientID).WithError(err).Warn("profile cache write failed")
	}
	return loaded, nil
}

// Invalidate drops the cached profile after the app changes.
func (p *ProfileCache) Invalidate(ctx context.Context, clientID string) error {
	return p.cache.Del(ctx, profilePrefix+clientID)
}

// IsActive reports whether clientID exists and is enabled.
func (p *ProfileCache) IsActive(ctx context.Context, clientID string) (bool, error) {
	app, err := p.Profile(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return app.IsActive, nil
}
