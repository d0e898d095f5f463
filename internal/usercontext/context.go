package usercontext

import (
	"context"
	"strings"
)

// UserContextKey is the request context key for the authenticated user id.
type UserContextKey struct{}

// WithUserID stores the caller's user id in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserContextKey{}, strings.TrimSpace(userID))
}

// UserIDFromContext returns the user id from context, if set.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(UserContextKey{}).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// ValidUserID reports whether id looks like an institutional account id.
// An empty domain accepts any non-empty id without whitespace.
func ValidUserID(id, domain string) bool {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, " \t\r\n") {
		return false
	}
	domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "@")
	if domain == "" {
		return true
	}
	at := strings.LastIndex(id, "@")
	if at <= 0 || at == len(id)-1 {
		return false
	}
	return strings.EqualFold(id[at+1:], domain)
}
