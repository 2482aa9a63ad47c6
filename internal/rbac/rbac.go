package rbac

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"orbit/api/internal/auth"
)

type Role string
type Permission string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

const (
	FilesRead   Permission = "files:read"
	FilesCreate Permission = "files:create"
	FilesDelete Permission = "files:delete"
	ChatRead    Permission = "chat:read"
	ChatCreate  Permission = "chat:create"
	ChatDelete  Permission = "chat:delete"
	EmailSend   Permission = "email:send"
)

var memberDefaults = []Permission{FilesRead, FilesCreate, ChatRead, ChatCreate}

var ErrForbidden = errors.New("forbidden")

// PermissionError reports which permission was missing.
type PermissionError struct {
	Permission Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("Forbidden: missing permission %s", e.Permission)
}

func (e *PermissionError) Unwrap() error {
	return ErrForbidden
}

// Evaluator is the identity provider's dynamic capability check. Queries are
// permission names or plan/feature keys such as "plan:organizations".
type Evaluator interface {
	Evaluate(ctx context.Context, query string) (bool, error)
}

// Can is the static role table.
func Can(role Role, permission Permission) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return slices.Contains(memberDefaults, permission)
	default:
		return false
	}
}

// HasPermission resolves role table, then explicit grants, then the
// evaluator. A failing evaluator counts as a denial.
func HasPermission(ctx context.Context, org auth.OrganizationAuthContext, permission Permission, evaluator Evaluator) bool {
	if Can(Role(org.OrganizationRole), permission) {
		return true
	}
	if slices.Contains(org.OrganizationPermissions, string(permission)) {
		return true
	}
	if evaluator == nil {
		return false
	}
	return safeEvaluate(ctx, evaluator, string(permission))
}

func RequireOrgPermission(ctx context.Context, org auth.OrganizationAuthContext, permission Permission, evaluator Evaluator) error {
	if HasPermission(ctx, org, permission, evaluator) {
		return nil
	}
	return &PermissionError{Permission: permission}
}

func safeEvaluate(ctx context.Context, evaluator Evaluator, query string) (allowed bool) {
	defer func() {
		if recover() != nil {
			allowed = false
		}
	}()
	ok, err := evaluator.Evaluate(ctx, query)
	if err != nil {
		return false
	}
	return ok
}
