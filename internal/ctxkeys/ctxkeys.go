// Package ctxkeys carries request-scoped identifiers through contexts.
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey    contextKey = "request_id"
	generationIDKey contextKey = "generation_id"
	sessionIDKey    contextKey = "session_id"
)

// WithRequestID attaches the request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request id, if set.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithGenerationID attaches the generation id.
func WithGenerationID(ctx context.Context, generationID string) context.Context {
	return context.WithValue(ctx, generationIDKey, generationID)
}

// GenerationID returns the generation id, if set.
func GenerationID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(generationIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithSessionID attaches the session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionID returns the session id, if set.
func SessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
