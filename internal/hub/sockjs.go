package hub

import (
	"context"
	"net/http"
	"strings"

	"techdispatch/dispatch-service/internal/models"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const (
	closeMissingToken = 4001
	closeInvalidToken = 4002
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (models.User, error)
}

// Handler serves the SockJS endpoint under prefix. Sessions authenticate with
// a bearer header or a token query parameter and only receive events.
func (h *Hub) Handler(prefix string, auth Authenticator) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		token := TokenFromRequest(session.Request())
		if token == "" {
			_ = session.Close(closeMissingToken, "missing token")
			return
		}
		user, err := auth.Authenticate(context.Background(), token)
		if err != nil {
			_ = session.Close(closeInvalidToken, "invalid token")
			return
		}

		client := &Client{ID: uuid.NewString(), UserID: user.ID, Role: user.Role, Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)
		h.log.WithField("client_id", client.ID).WithField("user_id", user.ID).Debug("realtime session opened")

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			if _, err := session.Recv(); err != nil {
				return
			}
		}
	})
}

func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
