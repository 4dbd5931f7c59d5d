package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/austindbirch/jiva_gateway/internal/config"
)

type contextKey string

const ClientIDKey contextKey = "client_id"

// Claims carried by an app access token. Subject is the app id.
type Claims struct {
	Name     string `json:"name"`
	ClientID string `json:"clientId"`
	jwt.RegisteredClaims
}

// ActiveChecker reports whether an app may still use its tokens.
type ActiveChecker interface {
	IsActive(ctx context.Context, clientID string) (bool, error)
}

// JWT issues and validates HS256 app tokens.
type JWT struct {
	secret []byte
	issuer string
	ttl    time.Duration
	apps   ActiveChecker
	now    func() time.Time
}

func NewJWT(cfg config.Auth, apps ActiveChecker) (*JWT, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWT{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, ttl: ttl, apps: apps, now: time.Now}, nil
}

// TTL is the lifetime of issued tokens.
func (j *JWT) TTL() time.Duration { return j.ttl }

// Issue signs a token for the app.
func (j *JWT) Issue(appID, name, clientID string) (string, error) {
	now := j.now()
	claims := Claims{
		Name:     name,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   appID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// ValidateToken verifies signature, expiry and issuer and returns the claims.
func (j *JWT) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.ClientID == "" {
		return nil, errors.New("missing or invalid clientId claim")
	}
	return &claims, nil
}

func (j *JWT) authorize(ctx context.Context, header string) (string, error) {
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		return "", errors.New("invalid authorization header format")
	}
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	if j.apps != nil {
		active, err := j.apps.IsActive(ctx, claims.ClientID)
		if err != nil {
			return "", fmt.Errorf("app lookup: %w", err)
		}
		if !active {
			return "", errors.New("app is disabled")
		}
	}
	return claims.ClientID, nil
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"statusCode": http.StatusUnauthorized,
		"error":      "Unauthorized",
		"message":    msg,
	})
}

// HTTPMiddleware rejects requests without a valid bearer token and stores
// the caller's client id in the request context.
func (j *JWT) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID, err := j.authorize(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), clientID)))
	})
}

// healthServicePrefix matches every method of grpc.health.v1.Health.
const healthServicePrefix = "/grpc.health.v1.Health/"

// GRPCInterceptor applies the same check to unary calls. Methods of the
// standard health service pass through, so on a gateway that only registers
// health the interceptor is a guard for services mounted later.
func (j *JWT) GRPCInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		var header string
		if v := md.Get("authorization"); len(v) > 0 {
			header = v[0]
		}
		clientID, err := j.authorize(ctx, header)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "%v", err)
		}
		return handler(WithClientID(ctx, clientID), req)
	}
}

func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ClientIDKey, clientID)
}

// ClientIDFromContext returns the authenticated client id.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	clientID, ok := ctx.Value(ClientIDKey).(string)
	return clientID, ok && clientID != ""
}
