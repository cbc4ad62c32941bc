package logging

import (
	"context"

	"go.uber.org/zap"
)

// Context key types
type requestCtxKey struct{}
type teamCtxKey struct{}
type userCtxKey struct{}
type scopeCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	if teamID := TeamIDFromContext(ctx); teamID != "" {
		fields = append(fields, zap.String("team.id", teamID))
	}
	if userID := UserIDFromContext(ctx); userID != "" {
		fields = append(fields, zap.String("user.id", userID))
	}
	if scopeID := ScopeIDFromContext(ctx); scopeID != "" {
		fields = append(fields, zap.String("scope.id", scopeID))
	}

	return fields
}

// WithRequestID attaches a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request ID, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithTeamID attaches a team ID to the context.
func WithTeamID(ctx context.Context, teamID string) context.Context {
	return context.WithValue(ctx, teamCtxKey{}, teamID)
}

// TeamIDFromContext returns the team ID, or "" if absent.
func TeamIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(teamCtxKey{}).(string)
	return id
}

// WithUserID attaches the acting user's ID to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, userID)
}

// UserIDFromContext returns the user ID, or "" if absent.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userCtxKey{}).(string)
	return id
}

// WithScopeID attaches a scope ID to the context.
func WithScopeID(ctx context.Context, scopeID string) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, scopeID)
}

// ScopeIDFromContext returns the scope ID, or "" if absent.
func ScopeIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(scopeCtxKey{}).(string)
	return id
}
