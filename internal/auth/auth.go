// Package auth checks the shared bearer token and carries the caller's user id.
package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

// UserHeader names the header that identifies the calling user.
const UserHeader = "X-Coach-User"

const maxUserIDLen = 64

type contextKey string

const userContextKey contextKey = "coach-user"

// ValidateToken compares tokens in constant time.
func ValidateToken(provided, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ValidUserID accepts opaque ids made of letters, digits, '-' and '_'.
func ValidUserID(id string) bool {
	if id == "" || len(id) > maxUserIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// UserFromContext returns the caller's user id, or "" when none was set.
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userContextKey).(string)
	return user
}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}
