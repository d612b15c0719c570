package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// TokenChecker reports whether a bearer token is known.
type TokenChecker interface {
	TokenExists(ctx context.Context, value string) (bool, error)
}

// isOpen reports whether path is served without a token: /health, /docs and
// anything under /docs/.
func isOpen(path string) bool {
	switch path {
	case "/health", "/docs":
		return true
	}
	return strings.HasPrefix(path, "/docs/")
}

// bearerToken extracts the token from an Authorization header. The scheme is
// matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// TokenGate rejects requests without a valid bearer token before next runs.
func TokenGate(tokens TokenChecker, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpen(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		valid, err := tokens.TokenExists(r.Context(), token)
		if err != nil {
			logger.Error("token lookup failed", "err", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
			return
		}
		if !valid {
			logger.Warn("rejected invalid token", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
