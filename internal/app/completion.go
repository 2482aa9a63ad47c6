package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"orbit/api/internal/auth"
	"orbit/api/internal/inference"
	"orbit/api/internal/plans"
	"orbit/api/internal/ratelimit"
	"orbit/api/internal/rbac"
	"orbit/api/internal/store"
	"orbit/api/internal/usage"
)

type ChatRequest struct {
	Messages []inference.Message `json:"messages"`
	// ThreadID, when set, persists the last user message and the reply.
	ThreadID string `json:"threadId,omitempty"`
}

// ChatOutcome is filled as far as the request got, so a rejected request
// still reports its rate-limit state.
type ChatOutcome struct {
	Plan plans.Plan
	// RateLimit is nil when the plan has chat rate limiting disabled.
	RateLimit *ratelimit.Result
	// LifetimeRemaining is -1 when the lifetime cap is disabled.
	LifetimeRemaining int
	Completion        inference.Completion
	Reply             *store.ChatMessage
}

func (s *Service) Chat(ctx context.Context, org auth.OrganizationAuthContext, clientIP string, req ChatRequest) (ChatOutcome, error) {
	outcome := ChatOutcome{Plan: plans.Free, LifetimeRemaining: -1}
	if err := s.requirePermission(ctx, org, rbac.ChatCreate); err != nil {
		return outcome, err
	}
	lastUser, err := lastUserMessage(req.Messages)
	if err != nil {
		return outcome, err
	}
	// A request that cannot be persisted must not consume any quota.
	if req.ThreadID != "" {
		if _, err := s.threadFor(ctx, org, req.ThreadID); err != nil {
			return outcome, err
		}
		if _, err := s.messageContent(lastUser.Content); err != nil {
			return outcome, err
		}
	}

	plan, limits := s.limitsFor(ctx)
	outcome.Plan = plan

	if rule := limits.ChatRateLimit; rule.Enabled() && s.limiter != nil {
		key := fmt.Sprintf("chat:%s:%s:%s", org.SubjectID, org.OrganizationID, clientIP)
		result, err := s.limiter.Check(ctx, key, ratelimit.Rule{Interval: rule.Interval, Limit: rule.MaxRequests})
		if err != nil {
			s.logger.Error("chat rate limit check failed", "key", key, "error", err)
		} else {
			outcome.RateLimit = &result
			if !result.Success {
				s.metrics.RateLimited("chat")
				return outcome, s.rejectQuota(plan, quotaExceeded(codeChatRateLimit,
					"Too many chat requests, slow down",
					rule.MaxRequests, ratelimit.RetryAfter(result, s.now())))
			}
		}
	}

	if lifetime := limits.ChatLifetimeMessageLimit; lifetime.Enabled() && s.usage != nil {
		record, err := s.usage.Increment(ctx, org.SubjectID, org.OrganizationID, lifetime.MaxMessages, string(plan))
		var limitErr *usage.LimitError
		if errors.As(err, &limitErr) {
			outcome.LifetimeRemaining = 0
			return outcome, s.rejectQuota(plan, quotaExceeded(codeChatLifetimeLimit,
				fmt.Sprintf("Lifetime limit of %d chat messages reached", lifetime.MaxMessages), lifetime.MaxMessages, 0))
		}
		if err != nil {
			return outcome, fmt.Errorf("record chat usage: %w", err)
		}
		outcome.LifetimeRemaining = record.Remaining(lifetime.MaxMessages)
	}

	if req.ThreadID != "" {
		if _, err := s.SaveMessage(ctx, org, req.ThreadID, store.RoleUser, lastUser.Content); err != nil {
			return outcome, err
		}
	}

	completion, err := s.completer.Complete(ctx, req.Messages)
	if err != nil {
		return outcome, upstreamError("The assistant is unavailable, try again later", err)
	}
	outcome.Completion = completion

	if req.ThreadID != "" && strings.TrimSpace(completion.Content) != "" {
		reply, err := s.SaveMessage(ctx, org, req.ThreadID, store.RoleAssistant, completion.Content)
		if err != nil {
			return outcome, err
		}
		outcome.Reply = &reply
	}
	return outcome, nil
}

func lastUserMessage(messages []inference.Message) (inference.Message, error) {
	if len(messages) == 0 {
		return inference.Message{}, validationError("messages must contain at least one user message", nil)
	}
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == store.RoleUser && strings.TrimSpace(m.Content) != "" {
			return m, nil
		}
	}
	return inference.Message{}, validationError("messages must contain at least one user message", nil)
}

type UsageReport struct {
	Plan     plans.Plan    `json:"plan"`
	Limits   plans.Limits  `json:"limits"`
	Lifetime *usage.Record `json:"lifetime,omitempty"`
	// Remaining is null when the lifetime cap is disabled.
	Remaining *int `json:"remaining"`
}

// Usage reports the caller's resolved plan limits and lifetime chat usage.
func (s *Service) Usage(ctx context.Context, org auth.OrganizationAuthContext) (UsageReport, error) {
	plan, limits := s.limitsFor(ctx)
	report := UsageReport{Plan: plan, Limits: limits}
	if s.usage == nil {
		return report, nil
	}
	record, err := s.usage.Get(ctx, org.SubjectID, org.OrganizationID)
	if err != nil {
		return UsageReport{}, fmt.Errorf("read chat usage: %w", err)
	}
	report.Lifetime = &record
	if lifetime := limits.ChatLifetimeMessageLimit; lifetime.Enabled() {
		remaining := record.Remaining(lifetime.MaxMessages)
		report.Remaining = &remaining
	}
	return report, nil
}
