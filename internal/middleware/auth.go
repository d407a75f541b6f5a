package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaylabs/relay/internal/httputil"
	"github.com/relaylabs/relay/internal/ledger"
)

type contextKey string

const userKey contextKey = "user"

// Auth validates the bearer token and attaches the resolved user to the
// request context.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.Unauthorized(w, "missing authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				httputil.Unauthorized(w, "invalid authorization header format")
				return
			}

			token, err := jwt.Parse(parts[1], func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				httputil.Unauthorized(w, "invalid token")
				return
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				httputil.Unauthorized(w, "invalid token claims")
				return
			}

			user := ledger.User{Tier: ledger.TierFree}
			if v, ok := claims["userId"].(string); ok {
				user.ID = v
			}
			if v, ok := claims["tier"].(string); ok {
				user.Tier = v
			}
			if v, ok := claims["stripeCustomerId"].(string); ok {
				user.StripeCustomerID = v
			}
			if user.ID == "" {
				httputil.Unauthorized(w, "token carries no user id")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// WithUser attaches a user to the context. Exposed for tests and the
// websocket upgrader.
func WithUser(ctx context.Context, user ledger.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFrom returns the authenticated user, if any.
func UserFrom(ctx context.Context) (ledger.User, bool) {
	user, ok := ctx.Value(userKey).(ledger.User)
	return user, ok
}
