package obscontext

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type accountIDKey struct{}
type actorKey struct{}

type actor struct {
	Type string
	ID   string
}

// WithRequestID annotates the context with the inbound request identifier.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request identifier, if set.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(requestIDKey{}).(string); ok {
		return val
	}
	return ""
}

// WithAccountID annotates the context with the billing account identifier.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ctx
	}
	return context.WithValue(ctx, accountIDKey{}, accountID)
}

// AccountIDFromContext returns the billing account identifier, if set.
func AccountIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(accountIDKey{}).(string); ok {
		return val
	}
	return ""
}

// WithActor annotates the context with the acting principal.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	actorType = strings.TrimSpace(actorType)
	actorID = strings.TrimSpace(actorID)
	if actorType == "" && actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor{Type: actorType, ID: actorID})
}

// ActorFromContext returns the acting principal type and id, if set.
func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if val, ok := ctx.Value(actorKey{}).(actor); ok {
		return val.Type, val.ID
	}
	return "", ""
}
