package admission

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// ClientIdentity resolves the rate limit bucket for r: the first
// X-Forwarded-For hop, else the remote address host, else UnknownIdentity.
func ClientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return UnknownIdentity
}

// Origin prefers the Origin header and falls back to Host.
func Origin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	return r.Host
}

type deniedBody struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body deniedBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Middleware rejects requests the controller denies with 429 and a
// Retry-After header. Evaluation errors become 500.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := ClientIdentity(r)
		decision, err := c.Evaluate(r.Context(), identity, Origin(r))
		if err != nil {
			c.logger.WithContext(r.Context()).WithError(err).
				WithField("identity", identity).
				Error("admission check failed")
			writeJSON(w, http.StatusInternalServerError, deniedBody{
				StatusCode: http.StatusInternalServerError,
				Error:      "Internal Server Error",
				Message:    "admission check failed",
			})
			return
		}
		if !decision.Allowed {
			c.logger.WithContext(r.Context()).
				WithField("identity", identity).
				WithField("path", r.URL.Path).
				Warn("rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
			writeJSON(w, http.StatusTooManyRequests, deniedBody{
				StatusCode: http.StatusTooManyRequests,
				Error:      "Too Many Requests",
				Message:    fmt.Sprintf("You have been rate limited. Try again in %d seconds.", decision.RetryAfter),
				RetryAfter: decision.RetryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
