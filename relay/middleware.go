package relay

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

type contextKey string

const userKey contextKey = "relay.user"

// UserFrom returns the authenticated user id placed by the auth middleware.
func UserFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey).(string)
	return user
}

// RequireHTTPS rejects cleartext requests with 403. Terminating proxies are
// recognized through X-Forwarded-Proto.
func RequireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			http.Error(w, "https required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Auth verifies bearer access tokens. Token issuance lives in the auth
// service; the relay only consumes HS256 tokens whose subject is the user id.
type Auth struct {
	secret []byte
}

// NewAuth creates the verifier.
func NewAuth(secret []byte) *Auth {
	return &Auth{secret: secret}
}

// Middleware authenticates the request and stores the user id in the
// context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.authenticate(r)
		if err != nil {
			logrus.WithError(err).WithField("path", r.URL.Path).Debug("Rejected request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func (a *Auth) authenticate(r *http.Request) (string, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		// WebSocket clients from browsers cannot set headers; accept the
		// token as a query parameter there.
		raw = "Bearer " + r.URL.Query().Get("token")
	}
	tokenString := strings.TrimPrefix(raw, "Bearer ")
	if tokenString == "" {
		return "", jwt.ErrTokenMalformed
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", jwt.ErrTokenInvalidSubject
	}
	return claims.Subject, nil
}
