package auditcontext

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type ipAddressKey struct{}
type userAgentKey struct{}
type actorKey struct{}

// Actor identifies who initiated an audited operation.
type Actor struct {
	Type string
	ID   string
}

// WithRequestID annotates the context with the request identifier for audit records.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID returns the request identifier, if set.
func RequestID(ctx context.Context) string {
	if val, ok := ctx.Value(requestIDKey{}).(string); ok {
		return val
	}
	return ""
}

// WithIPAddress annotates the context with the client IP address.
func WithIPAddress(ctx context.Context, ip string) context.Context {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, ipAddressKey{}, ip)
}

// IPAddress returns the client IP address, if set.
func IPAddress(ctx context.Context) string {
	if val, ok := ctx.Value(ipAddressKey{}).(string); ok {
		return val
	}
	return ""
}

// WithUserAgent annotates the context with the client user agent.
func WithUserAgent(ctx context.Context, ua string) context.Context {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return ctx
	}
	return context.WithValue(ctx, userAgentKey{}, ua)
}

// UserAgent returns the client user agent, if set.
func UserAgent(ctx context.Context) string {
	if val, ok := ctx.Value(userAgentKey{}).(string); ok {
		return val
	}
	return ""
}

// WithActor annotates the context with the acting principal for audit records.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	actorType = strings.TrimSpace(actorType)
	actorID = strings.TrimSpace(actorID)
	if actorType == "" && actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, Actor{Type: actorType, ID: actorID})
}

// ActorFromContext returns the acting principal, if set.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	val, ok := ctx.Value(actorKey{}).(Actor)
	return val, ok
}
