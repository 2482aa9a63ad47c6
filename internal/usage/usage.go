// Package usage tracks the lifetime number of chat messages a user has sent
// in each organization.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxRetries bounds compare-and-swap attempts per increment.
const DefaultMaxRetries = 8

var (
	ErrLimitReached = errors.New("lifetime message limit reached")
	// ErrConflict means every compare-and-swap attempt lost to a concurrent
	// writer.
	ErrConflict = errors.New("usage update conflict")
)

// Record is one user's usage in one organization. Count never decreases.
type Record struct {
	UserID         string     `json:"userId"`
	OrganizationID string     `json:"organizationId"`
	Count          int        `json:"count"`
	Limit          int        `json:"limit"`
	Plan           string     `json:"plan"`
	FirstMessageAt *time.Time `json:"firstMessageAt,omitempty"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
}

// Remaining is the number of messages left under limit, never negative.
func (r Record) Remaining(limit int) int {
	return max(limit-r.Count, 0)
}

// LimitError carries the record that caused the rejection.
type LimitError struct {
	Record Record
	Limit  int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("lifetime message limit of %d reached", e.Limit)
}

func (e *LimitError) Unwrap() error { return ErrLimitReached }

type Store interface {
	Get(ctx context.Context, userID, orgID string) (Record, error)
	// Increment reads the record, rejects with *LimitError when the count is
	// already at limit, and otherwise writes count+1 conditioned on the
	// count it read.
	Increment(ctx context.Context, userID, orgID string, limit int, plan string) (Record, error)
}

// next applies one accepted message to the record read from the store.
func next(prev Record, limit int, plan string, now time.Time) (Record, error) {
	if prev.Count >= limit {
		return prev, &LimitError{Record: prev, Limit: limit}
	}
	out := prev
	out.Count++
	out.Limit = limit
	out.Plan = plan
	if out.FirstMessageAt == nil {
		first := now
		out.FirstMessageAt = &first
	}
	last := now
	out.LastMessageAt = &last
	return out, nil
}
