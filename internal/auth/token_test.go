package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testClaims(exp time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_1",
			Issuer:    "https://identity.test",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		OrgID:          "org_1",
		OrgRole:        "org:member",
		OrgPermissions: []string{"files:delete"},
	}
}

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	token, err := IssueToken(secret, testClaims(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	claims, err := ParseToken(secret, "https://identity.test", token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "user_1" || claims.OrgID != "org_1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsTamperedAndExpired(t *testing.T) {
	secret := []byte("secret")
	token, err := IssueToken(secret, testClaims(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), "", token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: got %v, want ErrInvalidToken", err)
	}
	if _, err := ParseToken(secret, "https://elsewhere", token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer: got %v, want ErrInvalidToken", err)
	}

	expired, err := IssueToken(secret, testClaims(time.Now().Add(-time.Minute)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, "", expired); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expired: got %v, want ErrExpiredToken", err)
	}
}

func TestFromClaims(t *testing.T) {
	cases := []struct {
		name    string
		claims  *Claims
		wantErr error
		role    string
	}{
		{name: "no claims", claims: nil, wantErr: ErrUnauthenticated},
		{name: "no subject", claims: &Claims{OrgID: "org_1", OrgRole: "admin"}, wantErr: ErrUnauthenticated},
		{name: "no org", claims: &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}, OrgRole: "admin"}, wantErr: ErrNoActiveOrganization},
		{name: "no role", claims: &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}, OrgID: "org_1"}, wantErr: ErrNoActiveOrganization},
		{name: "prefixed role", claims: &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}, OrgID: "org_1", OrgRole: "org:admin"}, role: "admin"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FromClaims(tc.claims)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("FromClaims() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr == nil && got.OrganizationRole != tc.role {
				t.Fatalf("role = %q, want %q", got.OrganizationRole, tc.role)
			}
		})
	}
}

func TestRequireOrgReadsContext(t *testing.T) {
	claims := testClaims(time.Now().Add(time.Hour))
	ctx := WithClaims(context.Background(), &claims)

	org, err := RequireOrg(ctx)
	if err != nil {
		t.Fatalf("RequireOrg() error = %v", err)
	}
	if org.OrganizationRole != "member" {
		t.Fatalf("role = %q, want member", org.OrganizationRole)
	}
	if _, err := RequireOrg(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("empty context: got %v", err)
	}
}
