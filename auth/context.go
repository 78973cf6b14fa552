package auth

import "context"

type claimsContextKey struct{}

// WithClaims attaches verified claims to a request context so handlers
// mounted outside the router middleware can still see the caller.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by WithClaims, or nil for
// an anonymous caller.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return claims
}
