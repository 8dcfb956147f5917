// Package requestcontext carries per-request metadata through context values
// so handlers and services never reach back into the http.Request.
package requestcontext

import (
	"context"

	id "custodia/pkg/domain"
)

type requestIDKey struct{}
type clientIPKey struct{}
type userAgentKey struct{}
type clientSignatureKey struct{}
type actorIDKey struct{}
type actorRoleKey struct{}

// WithRequestID stores the request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID retrieves the request ID, or "" when none was set.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithClientMetadata stores the client IP and User-Agent.
func WithClientMetadata(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, ip)
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}

func ClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey{}).(string); ok {
		return v
	}
	return ""
}

func UserAgent(ctx context.Context) string {
	if v, ok := ctx.Value(userAgentKey{}).(string); ok {
		return v
	}
	return ""
}

// WithClientSignature stores the normalized client signature derived from the
// User-Agent. Consent submissions persist it as evidence of the submitting
// client.
func WithClientSignature(ctx context.Context, signature string) context.Context {
	return context.WithValue(ctx, clientSignatureKey{}, signature)
}

func ClientSignature(ctx context.Context) string {
	if v, ok := ctx.Value(clientSignatureKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActor stores the authenticated actor identity and role.
func WithActor(ctx context.Context, actorID id.ActorID, role string) context.Context {
	ctx = context.WithValue(ctx, actorIDKey{}, actorID)
	return context.WithValue(ctx, actorRoleKey{}, role)
}

// ActorID retrieves the authenticated actor, or the zero id when the request
// is unauthenticated.
func ActorID(ctx context.Context) id.ActorID {
	if v, ok := ctx.Value(actorIDKey{}).(id.ActorID); ok {
		return v
	}
	return id.ActorID{}
}

func ActorRole(ctx context.Context) string {
	if v, ok := ctx.Value(actorRoleKey{}).(string); ok {
		return v
	}
	return ""
}
