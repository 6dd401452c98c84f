// Package requestcontext carries request-scoped identity (tenant, request id)
// through context chains. Nothing here is stored outside the context.
package requestcontext

import (
	"context"

	dErrors "relay/pkg/domain-errors"
)

type contextKey int

const (
	tenantKey contextKey = iota
	requestIDKey
)

// BindTenant returns a child context carrying tenantID.
// A chain is bound at most once: binding the same tenant again is a no-op,
// binding a different one fails with CodeConflict.
func BindTenant(ctx context.Context, tenantID string) (context.Context, error) {
	if tenantID == "" {
		return ctx, dErrors.New(dErrors.CodeInvalidInput, "tenant id is required")
	}
	if current, ok := ctx.Value(tenantKey).(string); ok {
		if current == tenantID {
			return ctx, nil
		}
		return ctx, dErrors.New(dErrors.CodeConflict, "context is already bound to a different tenant")
	}
	return context.WithValue(ctx, tenantKey, tenantID), nil
}

// TenantID returns the bound tenant or "" when the chain carries none.
func TenantID(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey).(string)
	return id
}

// RequireTenantID returns the bound tenant or a CodeInvalidInput error.
func RequireTenantID(ctx context.Context) (string, error) {
	id := TenantID(ctx)
	if id == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "tenant context missing")
	}
	return id, nil
}

// Scope runs fn with a cancellable context bound to tenantID.
// The derived context is cancelled when fn returns, errors or panics;
// a panic is re-raised after cancellation.
func Scope(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	bound, err := BindTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	scoped, cancel := context.WithCancel(bound)
	defer cancel()
	return fn(scoped)
}

// WithRequestID stores the correlation id used in logs and audit events.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
