package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"orbit/api/internal/auth"
	"orbit/api/internal/bounded"
	"orbit/api/internal/rbac"
	"orbit/api/internal/store"
)

// NormalizeTitle collapses whitespace, truncates to maxLen runes and falls
// back when nothing is left. A non-positive maxLen disables truncation.
func NormalizeTitle(raw string, maxLen int, fallback string) string {
	title := strings.Join(strings.Fields(raw), " ")
	if maxLen > 0 && utf8.RuneCountInString(title) > maxLen {
		title = strings.TrimSpace(string([]rune(title)[:maxLen]))
	}
	if title == "" {
		return fallback
	}
	return title
}

func (s *Service) CreateThread(ctx context.Context, org auth.OrganizationAuthContext, title string) (store.ChatThread, error) {
	if err := s.requirePermission(ctx, org, rbac.ChatCreate); err != nil {
		return store.ChatThread{}, err
	}
	_, limits := s.limitsFor(ctx)
	settings := s.plans.Chat()

	thread, err := s.store.InsertThread(ctx, store.ChatThread{
		OrganizationID:  org.OrganizationID,
		CreatedByUserID: org.SubjectID,
		Title:           NormalizeTitle(title, settings.ThreadTitleMaxLength, settings.DefaultThreadTitle),
	})
	if err != nil {
		return store.ChatThread{}, fmt.Errorf("create thread: %w", err)
	}
	s.enforceThreadCap(ctx, org.OrganizationID, limits.ChatHistory.MaxThreadsPerWorkspace)
	return thread, nil
}

// ListThreads returns the organization's threads by most recent activity.
// Callers that are not signed in or lack chat:read get an empty list.
func (s *Service) ListThreads(ctx context.Context) ([]store.ChatThread, error) {
	org, ok := s.readableOrg(ctx, rbac.ChatRead)
	if !ok {
		return []store.ChatThread{}, nil
	}
	threads, err := s.store.ListThreads(ctx, org.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	if threads == nil {
		threads = []store.ChatThread{}
	}
	return threads, nil
}

func (s *Service) ListMessages(ctx context.Context, org auth.OrganizationAuthContext, threadID string) ([]store.ChatMessage, error) {
	if err := s.requirePermission(ctx, org, rbac.ChatRead); err != nil {
		return nil, err
	}
	thread, err := s.threadFor(ctx, org, threadID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if messages == nil {
		messages = []store.ChatMessage{}
	}
	return messages, nil
}

// DeleteThread removes a thread and its messages. The creator may always
// delete; anyone else needs chat:delete.
func (s *Service) DeleteThread(ctx context.Context, org auth.OrganizationAuthContext, threadID string) error {
	thread, err := s.threadFor(ctx, org, threadID)
	if err != nil {
		return err
	}
	if thread.CreatedByUserID != org.SubjectID {
		if err := s.requirePermission(ctx, org, rbac.ChatDelete); err != nil {
			return err
		}
	}
	if err := s.store.DeleteThread(ctx, thread.ID); err != nil {
		return lookupError(err, "Thread")
	}
	return nil
}

// SaveMessage appends to a thread, bumps its activity time, titles it from
// the first user message while it still has the default title and then
// trims the thread to its message cap.
func (s *Service) SaveMessage(ctx context.Context, org auth.OrganizationAuthContext, threadID, role, content string) (store.ChatMessage, error) {
	if err := s.requirePermission(ctx, org, rbac.ChatCreate); err != nil {
		return store.ChatMessage{}, err
	}
	if role != store.RoleUser && role != store.RoleAssistant {
		return store.ChatMessage{}, validationError("Role must be user or assistant", map[string]any{"role": role})
	}
	thread, err := s.threadFor(ctx, org, threadID)
	if err != nil {
		return store.ChatMessage{}, err
	}

	settings := s.plans.Chat()
	content, err = s.messageContent(content)
	if err != nil {
		return store.ChatMessage{}, err
	}

	message, err := s.store.InsertMessage(ctx, store.ChatMessage{
		OrganizationID:  org.OrganizationID,
		ThreadID:        thread.ID,
		CreatedByUserID: org.SubjectID,
		Role:            role,
		Content:         content,
	})
	if err != nil {
		return store.ChatMessage{}, fmt.Errorf("save message: %w", err)
	}

	now := s.now()
	patch := store.ThreadPatch{LastMessageAt: &now}
	if role == store.RoleUser && thread.Title == settings.DefaultThreadTitle {
		title := NormalizeTitle(content, settings.ThreadTitleMaxLength, settings.DefaultThreadTitle)
		if title != thread.Title {
			patch.Title = &title
		}
	}
	if err := s.store.PatchThread(ctx, thread.ID, patch); err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.ChatMessage{}, fmt.Errorf("touch thread: %w", err)
	}

	_, limits := s.limitsFor(ctx)
	s.enforceMessageCap(ctx, thread.ID, limits.ChatHistory.MaxMessagesPerThread)
	return message, nil
}

// messageContent trims content and checks it against the length limit.
func (s *Service) messageContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", validationError("Message cannot be empty", nil)
	}
	maxLength := s.plans.Chat().MaxMessageLength
	if n := utf8.RuneCountInString(content); n > maxLength {
		return "", validationError(
			fmt.Sprintf("Message exceeds the maximum length of %d characters", maxLength),
			map[string]any{"maxLength": maxLength, "length": n})
	}
	return content, nil
}

func (s *Service) threadFor(ctx context.Context, org auth.OrganizationAuthContext, threadID string) (store.ChatThread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return store.ChatThread{}, lookupError(err, "Thread")
	}
	if err := sameOrg(org, thread.OrganizationID, "Thread"); err != nil {
		return store.ChatThread{}, err
	}
	return thread, nil
}

func (s *Service) enforceMessageCap(ctx context.Context, threadID string, maxMessages int) {
	collection := bounded.Funcs[store.ChatMessage]{
		OldestFunc: func(ctx context.Context, limit int) ([]store.ChatMessage, error) {
			return s.store.OldestMessages(ctx, threadID, limit)
		},
		RemoveFunc: func(ctx context.Context, m store.ChatMessage) error {
			return s.store.DeleteMessage(ctx, m.ID)
		},
	}
	trimCollection[store.ChatMessage](ctx, s, "chat_messages", threadID, collection, maxMessages)
}

// enforceThreadCap evicts whole threads. The store deletes a thread's
// messages before the thread itself.
func (s *Service) enforceThreadCap(ctx context.Context, orgID string, maxThreads int) {
	collection := bounded.Funcs[store.ChatThread]{
		OldestFunc: func(ctx context.Context, limit int) ([]store.ChatThread, error) {
			return s.store.OldestThreads(ctx, orgID, limit)
		},
		RemoveFunc: func(ctx context.Context, t store.ChatThread) error {
			err := s.store.DeleteThread(ctx, t.ID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		},
	}
	trimCollection[store.ChatThread](ctx, s, "chat_threads", orgID, collection, maxThreads)
}

// trimCollection is advisory: a failed or unfinished pass is logged and the
// write that triggered it still succeeds.
func trimCollection[T any](ctx context.Context, s *Service, name, scope string, c bounded.Collection[T], maxItems int) {
	report, err := bounded.Trim(ctx, s.enforcer, c, maxItems)
	s.metrics.Trimmed(name, report.Removed, err == nil && report.Converged)
	switch {
	case err != nil:
		s.logger.Error("bounded trim failed", "collection", name, "scope", scope, "removed", report.Removed, "error", err)
	case !report.Converged:
		s.logger.Warn("bounded trim did not converge", "collection", name, "scope", scope, "passes", report.Passes, "removed", report.Removed)
	case report.Removed > 0:
		s.logger.Debug("bounded trim", "collection", name, "scope", scope, "removed", report.Removed)
	}
}
