package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnauthenticated means no identity claims accompany the request.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNoActiveOrganization means the identity is valid but carries no
	// active organization or organization role.
	ErrNoActiveOrganization = errors.New("no active organization")
)

// OrganizationAuthContext is derived per request from verified claims and is
// never persisted.
type OrganizationAuthContext struct {
	SubjectID               string
	OrganizationID          string
	OrganizationRole        string
	OrganizationPermissions []string
}

// FromClaims fails closed: an identity without both an organization id and
// an organization role is rejected.
func FromClaims(claims *Claims) (OrganizationAuthContext, error) {
	if claims == nil || strings.TrimSpace(claims.Subject) == "" {
		return OrganizationAuthContext{}, ErrUnauthenticated
	}
	orgID := strings.TrimSpace(claims.OrgID)
	role := NormalizeRole(claims.OrgRole)
	if orgID == "" || role == "" {
		return OrganizationAuthContext{}, ErrNoActiveOrganization
	}
	return OrganizationAuthContext{
		SubjectID:               claims.Subject,
		OrganizationID:          orgID,
		OrganizationRole:        role,
		OrganizationPermissions: append([]string(nil), claims.OrgPermissions...),
	}, nil
}

// NormalizeRole strips the provider's "org:" prefix ("org:admin" -> "admin").
func NormalizeRole(role string) string {
	role = strings.TrimSpace(role)
	return strings.TrimPrefix(role, "org:")
}

type claimsKey struct{}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func ClaimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}

// RequireOrg resolves the organization context attached to ctx.
func RequireOrg(ctx context.Context) (OrganizationAuthContext, error) {
	return FromClaims(ClaimsFrom(ctx))
}
