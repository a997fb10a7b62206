package authkit

import "context"

// DefaultTenantID is used when no tenant is attached to the context.
const DefaultTenantID = "default"

type tenantIDContextKey struct{}
type clientIPContextKey struct{}

// WithTenantID attaches a tenant identifier to ctx. Accounts, refresh
// tokens, and MFA challenges are all scoped to the tenant; when none is
// attached, [DefaultTenantID] is used.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDContextKey{}, tenantID)
}

// WithClientIP attaches the caller's IP address to ctx for audit logging.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

func tenantIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return DefaultTenantID
	}

	tenantID, _ := ctx.Value(tenantIDContextKey{}).(string)
	if tenantID == "" {
		return DefaultTenantID
	}

	return tenantID
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}
