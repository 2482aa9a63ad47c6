package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"orbit/api/internal/auth"
)

func TestCan(t *testing.T) {
	cases := []struct {
		name       string
		role       Role
		permission Permission
		allow      bool
	}{
		{name: "admin delete", role: RoleAdmin, permission: FilesDelete, allow: true},
		{name: "admin email", role: RoleAdmin, permission: EmailSend, allow: true},
		{name: "member read files", role: RoleMember, permission: FilesRead, allow: true},
		{name: "member create chat", role: RoleMember, permission: ChatCreate, allow: true},
		{name: "member delete files", role: RoleMember, permission: FilesDelete, allow: false},
		{name: "member delete chat", role: RoleMember, permission: ChatDelete, allow: false},
		{name: "unknown role", role: Role("billing"), permission: FilesRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.permission); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.permission, got, tc.allow)
			}
		})
	}
}

func TestRequireOrgPermissionFallbackOrder(t *testing.T) {
	ctx := context.Background()
	calls := 0
	deny := EvaluatorFunc(func(context.Context, string) (bool, error) {
		calls++
		return false, nil
	})
	allow := EvaluatorFunc(func(context.Context, string) (bool, error) {
		calls++
		return true, nil
	})
	failing := EvaluatorFunc(func(context.Context, string) (bool, error) {
		calls++
		return true, errors.New("provider down")
	})
	panicking := EvaluatorFunc(func(context.Context, string) (bool, error) {
		panic("boom")
	})

	custom := auth.OrganizationAuthContext{SubjectID: "u", OrganizationID: "o", OrganizationRole: "billing", OrganizationPermissions: []string{"files:read"}}

	if err := RequireOrgPermission(ctx, custom, FilesRead, deny); err != nil {
		t.Fatalf("explicit grant should allow: %v", err)
	}
	if calls != 0 {
		t.Fatalf("evaluator should not be consulted when a grant matches, calls=%d", calls)
	}
	if err := RequireOrgPermission(ctx, custom, FilesCreate, allow); err != nil {
		t.Fatalf("evaluator grant should allow: %v", err)
	}

	for name, evaluator := range map[string]Evaluator{"deny": deny, "error": failing, "panic": panicking, "nil": nil} {
		err := RequireOrgPermission(ctx, custom, FilesDelete, evaluator)
		var permErr *PermissionError
		if !errors.As(err, &permErr) || permErr.Permission != FilesDelete {
			t.Fatalf("%s: expected PermissionError for files:delete, got %v", name, err)
		}
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s: expected ErrForbidden in chain", name)
		}
	}
}

func TestClaimsEvaluator(t *testing.T) {
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u"},
		Features:         []string{"plan:organizations"},
		OrgPermissions:   []string{"chat:delete"},
	}
	ctx := auth.WithClaims(context.Background(), claims)

	ok, err := ClaimsEvaluator{}.Evaluate(ctx, "plan:organizations")
	if err != nil || !ok {
		t.Fatalf("feature query: ok=%v err=%v", ok, err)
	}
	ok, err = ClaimsEvaluator{}.Evaluate(ctx, "chat:delete")
	if err != nil || !ok {
		t.Fatalf("permission query: ok=%v err=%v", ok, err)
	}
	ok, _ = ClaimsEvaluator{}.Evaluate(ctx, "email:send")
	if ok {
		t.Fatal("ungranted query should be denied")
	}
	if _, err := (ClaimsEvaluator{}).Evaluate(context.Background(), "x"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("missing claims: got %v", err)
	}
}
