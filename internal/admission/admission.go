// Package admission gates inbound requests with a fixed-window counter per
// client identity, a cool-down block once the limit is breached, and a
// static whitelist that bypasses both.
package admission

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/austindbirch/jiva_gateway/internal/cache"
	"github.com/austindbirch/jiva_gateway/internal/config"
	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/metrics"
)

// UnknownIdentity is the bucket shared by every client whose address could
// not be resolved.
const UnknownIdentity = "unknown"

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed     bool
	Whitelisted bool
	// RetryAfter is the remaining cool-down in whole seconds, rounded up. Only set on deny.
	RetryAfter int
	// WindowTTL is the remaining lifetime of the hit counter on allow.
	WindowTTL time.Duration
}

// Controller evaluates admission against a Cache.
type Controller struct {
	cache         cache.Cache
	maxRequests   int64
	window        time.Duration
	blockDuration time.Duration
	whitelist     []string
	logger        *logging.Logger
}

func New(c cache.Cache, cfg config.RateLimit, logger *logging.Logger) *Controller {
	wl := make([]string, 0, len(cfg.Whitelist))
	for _, w := range cfg.Whitelist {
		if w != "" {
			wl = append(wl, w)
		}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{
		cache:         c,
		maxRequests:   int64(cfg.MaxRequests),
		window:        cfg.Window,
		blockDuration: cfg.BlockDuration,
		whitelist:     wl,
		logger:        logger,
	}
}

func hitKey(identity string) string   { return "hits:" + identity }
func blockKey(identity string) string { return "blocked:" + identity }

// IsWhitelisted reports whether identity, then origin, contains any entry.
// Matching is case-sensitive.
func (c *Controller) IsWhitelisted(identity, origin string) bool {
	for _, source := range []string{identity, origin} {
		if source == "" {
			continue
		}
		for _, allowed := range c.whitelist {
			if strings.Contains(source, allowed) {
				return true
			}
		}
	}
	return false
}

// Evaluate decides whether a request from identity/origin may proceed.
// Cache failures are returned as errors; the caller decides what to do.
func (c *Controller) Evaluate(ctx context.Context, identity, origin string) (Decision, error) {
	if identity == "" {
		identity = UnknownIdentity
	}

	if c.IsWhitelisted(identity, origin) {
		metrics.RecordAdmission("whitelisted")
		return Decision{Allowed: true, Whitelisted: true}, nil
	}

	blockedFor, err := c.cache.TTL(ctx, blockKey(identity))
	if err != nil {
		metrics.RecordAdmission("error")
		return Decision{}, fmt.Errorf("admission: read block marker: %w", err)
	}
	if blockedFor > 0 {
		metrics.RecordAdmission("blocked")
		return Decision{RetryAfter: ceilSeconds(blockedFor)}, nil
	}

	hits, err := c.cache.Incr(ctx, hitKey(identity))
	if err != nil {
		metrics.RecordAdmission("error")
		return Decision{}, fmt.Errorf("admission: increment hits: %w", err)
	}
	if hits == 1 {
		if err := c.cache.Expire(ctx, hitKey(identity), c.window); err != nil {
			metrics.RecordAdmission("error")
			return Decision{}, fmt.Errorf("admission: start window: %w", err)
		}
	}

	if hits > c.maxRequests {
		if err := c.cache.Set(ctx, blockKey(identity), "1", c.blockDuration); err != nil {
			metrics.RecordAdmission("error")
			return Decision{}, fmt.Errorf("admission: set block marker: %w", err)
		}
		c.logger.WithContext(ctx).
			WithField("identity", identity).
			WithField("hits", hits).
			Warnf("client exceeded rate limit, blocking for %s", c.blockDuration)
		metrics.RecordAdmission("limited")
		return Decision{RetryAfter: ceilSeconds(c.blockDuration)}, nil
	}

	windowTTL, err := c.cache.TTL(ctx, hitKey(identity))
	if err != nil {
		metrics.RecordAdmission("error")
		return Decision{}, fmt.Errorf("admission: read window: %w", err)
	}
	// A counter without TTL would never reset; happens if EXPIRE was lost after INCR.
	if windowTTL == cache.NoExpiry {
		if err := c.cache.Expire(ctx, hitKey(identity), c.window); err != nil {
			metrics.RecordAdmission("error")
			return Decision{}, fmt.Errorf("admission: repair window: %w", err)
		}
		windowTTL = c.window
	}

	metrics.RecordAdmission("allowed")
	return Decision{Allowed: true, WindowTTL: windowTTL}, nil
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
