package httpapi

import (
	"context"
	"net/http"
	"strings"

	"techdispatch/dispatch-service/internal/models"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (models.User, error)
}

type userContextKey struct{}

// AuthMiddleware resolves the bearer token to a user on every non-public request.
func AuthMiddleware(authenticator Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		user, err := authenticator.Authenticate(r.Context(), token)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, requestIDFromRequest(r), status, code, msg)
			return
		}
		if info, ok := requestInfoFromContext(r.Context()); ok {
			info.UserID = user.ID
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(models.User)
	return user, ok
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	case "/api/auth/register", "/api/auth/login":
		return r.Method == http.MethodPost
	}
	// SockJS sessions authenticate inside the session handler.
	if strings.HasPrefix(r.URL.Path, "/realtime/") {
		return true
	}
	return r.Method == http.MethodOptions
}
