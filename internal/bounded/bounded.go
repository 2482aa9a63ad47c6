// Package bounded keeps per-scope collections at or under a cap by evicting
// the oldest items.
package bounded

import (
	"context"
	"fmt"
)

const DefaultMaxPasses = 32

// Collection is one scope of items (the messages of a thread, the threads of
// an organization).
type Collection[T any] interface {
	// Oldest returns up to limit items in ascending creation order.
	Oldest(ctx context.Context, limit int) ([]T, error)
	Remove(ctx context.Context, item T) error
}

// Report describes one enforcement run. Converged is false when the pass
// budget ran out while the collection was still over its cap.
type Report struct {
	Passes    int
	Removed   int
	Converged bool
}

type Enforcer struct {
	MaxPasses int
}

// Trim deletes the oldest overflow until a single query observes at most
// maxItems items. It holds no lock: concurrent writers may push the
// collection over the cap between passes, which the next pass picks up.
func Trim[T any](ctx context.Context, e Enforcer, c Collection[T], maxItems int) (Report, error) {
	if maxItems <= 0 {
		return Report{Converged: true}, nil
	}
	passes := e.MaxPasses
	if passes <= 0 {
		passes = DefaultMaxPasses
	}

	var report Report
	for report.Passes < passes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Passes++

		items, err := c.Oldest(ctx, maxItems+1)
		if err != nil {
			return report, fmt.Errorf("list oldest: %w", err)
		}
		if len(items) <= maxItems {
			report.Converged = true
			return report, nil
		}

		overflow := len(items) - maxItems
		for _, item := range items[:overflow] {
			if err := c.Remove(ctx, item); err != nil {
				return report, fmt.Errorf("remove oldest: %w", err)
			}
			report.Removed++
		}
	}
	return report, nil
}

// Funcs adapts a pair of closures to Collection.
type Funcs[T any] struct {
	OldestFunc func(ctx context.Context, limit int) ([]T, error)
	RemoveFunc func(ctx context.Context, item T) error
}

func (f Funcs[T]) Oldest(ctx context.Context, limit int) ([]T, error) {
	return f.OldestFunc(ctx, limit)
}

func (f Funcs[T]) Remove(ctx context.Context, item T) error {
	return f.RemoveFunc(ctx, item)
}
