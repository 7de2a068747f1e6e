package domain

import "context"

type ctxKey string

const (
	threadCtxKey ctxKey = "thread_id"
	userCtxKey   ctxKey = "user_id"
)

// ContextWithThreadID returns a new context carrying the thread ID (ULID).
func ContextWithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadCtxKey, threadID)
}

// ThreadIDFromContext extracts the thread ID from the context.
// Returns empty string if not set.
func ThreadIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(threadCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithUserID returns a new context carrying the authenticated
// caller's user ID.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey, userID)
}

// UserIDFromContext extracts the user ID from the context.
// Returns empty string if not set.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userCtxKey).(string); ok {
		return v
	}
	return ""
}
