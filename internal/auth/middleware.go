package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

var (
	errMissingHeader = errors.New("missing authorization header")
	errBadScheme     = errors.New("authorization header is not a bearer token")
	errExpired       = errors.New("token expired")
)

// probePaths stay reachable without a token.
var probePaths = []string{"/health", "/healthz", "/ready", "/metrics"}

// MiddlewareConfig controls which requests need which roles.
type MiddlewareConfig struct {
	// extra paths served without a token
	PublicPaths []string

	// callers need at least one of these when non-empty
	RequiredRoles []string

	Logger *slog.Logger
}

// Middleware enforces bearer token authentication on the API.
type Middleware struct {
	verifiers []Verifier
	public    map[string]struct{}
	roles     []string
	logger    *slog.Logger
}

// NewMiddleware accepts a token when any of verifiers does. With no
// verifiers every request passes.
func NewMiddleware(cfg *MiddlewareConfig, verifiers ...Verifier) *Middleware {
	if cfg == nil {
		cfg = &MiddlewareConfig{}
	}
	m := &Middleware{
		verifiers: verifiers,
		public:    make(map[string]struct{}, len(probePaths)+len(cfg.PublicPaths)),
		roles:     cfg.RequiredRoles,
		logger:    cfg.Logger,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	for _, p := range append(probePaths, cfg.PublicPaths...) {
		m.public[p] = struct{}{}
	}
	return m
}

func (m *Middleware) skip(r *http.Request) bool {
	if len(m.verifiers) == 0 || r.Method == http.MethodOptions {
		return true
	}
	_, ok := m.public[r.URL.Path]
	return ok
}

// Handler authenticates the request and stores the caller's claims in its
// context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := m.authenticate(r)
		if err != nil {
			m.logger.Debug("request not authenticated",
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
			w.Header().Set("WWW-Authenticate", `Bearer realm="dagrunner"`)
			message := "invalid token"
			if errors.Is(err, errMissingHeader) || errors.Is(err, errBadScheme) || errors.Is(err, errExpired) {
				message = err.Error()
			}
			writeError(w, http.StatusUnauthorized, "auth_required", message)
			return
		}
		if !claims.HasAnyRole(m.roles) {
			m.logger.Info("request forbidden",
				slog.String("subject", claims.Subject),
				slog.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errMissingHeader
	}
	token, ok := bearerToken(header)
	if !ok {
		return nil, errBadScheme
	}
	claims, err := m.verify(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if claims.IsExpired() {
		return nil, errExpired
	}
	return claims, nil
}

// verify returns the claims of the first verifier that accepts token.
func (m *Middleware) verify(ctx context.Context, token string) (*Claims, error) {
	errs := make([]error, 0, len(m.verifiers))
	for _, v := range m.verifiers {
		claims, err := v.Verify(ctx, token)
		if err == nil {
			return claims, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// writeError mirrors the API error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
