package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	JWTSecret string
	// AllowLegacyTrainerHeader accepts X-Trainer-Id without a token.
	AllowLegacyTrainerHeader bool
	// Disabled serves every request anonymously and skips ownership checks.
	Disabled bool
	Logger   *log.Logger
}

type Principal struct {
	TrainerID string
	Source    string
}

// ForbiddenError is returned when a trainer acts on someone else's expedition.
type ForbiddenError struct {
	ExpeditionID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("expedition %s belongs to another trainer", e.ExpeditionID)
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// authorize checks that the caller may act for trainerID. Anonymous callers
// only exist when auth is disabled.
func authorize(ctx context.Context, expeditionID, trainerID string) error {
	p, ok := principalFromContext(ctx)
	if !ok || p.Source == "anonymous" {
		return nil
	}
	if p.TrainerID != trainerID {
		return ForbiddenError{ExpeditionID: expeditionID}
	}
	return nil
}

// callerTrainer returns the authenticated trainer, or fallback for anonymous callers.
func callerTrainer(ctx context.Context, fallback string) string {
	if p, ok := principalFromContext(ctx); ok && p.Source != "anonymous" {
		return p.TrainerID
	}
	return fallback
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{TrainerID: claims.Subject, Source: "jwt"}, nil
}

// SignToken mints an HS256 token whose subject is the trainer id. A zero ttl
// defaults to 24 hours.
func SignToken(secret, trainerID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(trainerID) == "" {
		return "", errors.New("trainer id required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := jwtClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   trainerID,
		Issuer:    "trailhead",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	tokenPath := path.Join(basePath, "auth/dev/token")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == tokenPath {
				next.ServeHTTP(w, req)
				return
			}
			if cfg.Disabled {
				ctx := withPrincipal(req.Context(), Principal{Source: "anonymous"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			legacyTrainer := strings.TrimSpace(req.Header.Get("X-Trainer-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				ctx := withPrincipal(req.Context(), principal)
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			if legacyTrainer != "" && cfg.AllowLegacyTrainerHeader {
				cfg.logger().Printf("WARNING: using legacy X-Trainer-Id header without auth; ignored when Authorization is present (trainer_id=%s)", legacyTrainer)
				ctx := withPrincipal(req.Context(), Principal{TrainerID: legacyTrainer, Source: "legacy_header"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
