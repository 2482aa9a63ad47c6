package rbac

import (
	"context"
	"slices"

	"orbit/api/internal/auth"
)

// ClaimsEvaluator answers capability queries from the claims attached to the
// request context: feature/plan grants and explicit organization permissions.
type ClaimsEvaluator struct{}

func (ClaimsEvaluator) Evaluate(ctx context.Context, query string) (bool, error) {
	claims := auth.ClaimsFrom(ctx)
	if claims == nil {
		return false, auth.ErrUnauthenticated
	}
	if slices.Contains(claims.Features, query) {
		return true, nil
	}
	return slices.Contains(claims.OrgPermissions, query), nil
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, query string) (bool, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, query string) (bool, error) {
	return f(ctx, query)
}
