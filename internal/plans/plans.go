// Package plans maps a billing plan to its quota table.
package plans

import (
	"context"
	"slices"
	"strings"
	"time"

	"orbit/api/internal/rbac"
)

type Plan string

const (
	Free          Plan = "free"
	Organizations Plan = "organizations"
)

// OrganizationsQuery is the capability query that selects the paid plan.
const OrganizationsQuery = "plan:organizations"

var All = []Plan{Free, Organizations}

func (p Plan) String() string { return string(p) }

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	return p == Free || p == Organizations
}

type FileStorage struct {
	MaxFileSizeBytes int64 `json:"maxFileSizeBytes"`
	MaxFilesPerUser  int   `json:"maxFilesPerUser"`
}

type ImageUploadRateLimit struct {
	MaxUploadsPerWindow int           `json:"maxUploadsPerWindow"`
	Window              time.Duration `json:"windowMs"`
}

// Enabled is false when either value was configured non-positive.
func (l ImageUploadRateLimit) Enabled() bool {
	return l.MaxUploadsPerWindow > 0 && l.Window > 0
}

type ChatRateLimit struct {
	Interval    time.Duration `json:"intervalMs"`
	MaxRequests int           `json:"maxRequests"`
}

func (l ChatRateLimit) Enabled() bool {
	return l.MaxRequests > 0 && l.Interval > 0
}

type ChatLifetimeMessageLimit struct {
	MaxMessages int `json:"maxMessages"`
}

func (l ChatLifetimeMessageLimit) Enabled() bool {
	return l.MaxMessages > 0
}

type ChatHistory struct {
	MaxMessagesPerThread   int `json:"maxMessagesPerThread"`
	MaxThreadsPerWorkspace int `json:"maxThreadsPerWorkspace"`
}

// Limits is the resolved quota table for one plan.
type Limits struct {
	FileStorage              FileStorage              `json:"fileStorage"`
	ImageUploadRateLimit     ImageUploadRateLimit     `json:"imageUploadRateLimit"`
	ChatRateLimit            ChatRateLimit            `json:"chatRateLimit"`
	ChatLifetimeMessageLimit ChatLifetimeMessageLimit `json:"chatLifetimeMessageLimit"`
	ChatHistory              ChatHistory              `json:"chatHistory"`
}

// ChatSettings are plan-independent chat validation settings.
type ChatSettings struct {
	MaxMessageLength     int    `json:"maxMessageLength"`
	ThreadTitleMaxLength int    `json:"threadTitleMaxLength"`
	DefaultThreadTitle   string `json:"defaultThreadTitle"`
}

// Table is the flat result of resolving every configuration layer.
type Table struct {
	Plans            map[Plan]Limits
	Chat             ChatSettings
	AllowedMIMETypes []string
}

// For returns the limits of plan, falling back to the free table for an
// unknown plan.
func (t *Table) For(plan Plan) Limits {
	if limits, ok := t.Plans[plan]; ok {
		return limits
	}
	return t.Plans[Free]
}

// MIMEAllowed ignores media type parameters ("text/plain; charset=utf-8").
func (t *Table) MIMEAllowed(contentType string) bool {
	return slices.Contains(t.AllowedMIMETypes, NormalizeMIME(contentType))
}

// NormalizeMIME lowercases a content type and drops its parameters.
func NormalizeMIME(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

var fallbackLimits = map[Plan]Limits{
	Free: {
		FileStorage:              FileStorage{MaxFileSizeBytes: 10_000_000, MaxFilesPerUser: 50},
		ImageUploadRateLimit:     ImageUploadRateLimit{MaxUploadsPerWindow: 10, Window: 10 * time.Minute},
		ChatRateLimit:            ChatRateLimit{Interval: time.Minute, MaxRequests: 10},
		ChatLifetimeMessageLimit: ChatLifetimeMessageLimit{MaxMessages: 50},
		ChatHistory:              ChatHistory{MaxMessagesPerThread: 50, MaxThreadsPerWorkspace: 20},
	},
	Organizations: {
		FileStorage:              FileStorage{MaxFileSizeBytes: 50_000_000, MaxFilesPerUser: 1000},
		ImageUploadRateLimit:     ImageUploadRateLimit{MaxUploadsPerWindow: 50, Window: 10 * time.Minute},
		ChatRateLimit:            ChatRateLimit{Interval: time.Minute, MaxRequests: 60},
		ChatLifetimeMessageLimit: ChatLifetimeMessageLimit{MaxMessages: 0},
		ChatHistory:              ChatHistory{MaxMessagesPerThread: 200, MaxThreadsPerWorkspace: 200},
	},
}

var fallbackChat = ChatSettings{
	MaxMessageLength:     4000,
	ThreadTitleMaxLength: 80,
	DefaultThreadTitle:   "New chat",
}

var fallbackMIMETypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"text/csv",
	"text/markdown",
	"application/json",
}

// IsImage reports whether contentType counts against the image upload window.
func IsImage(contentType string) bool {
	return strings.HasPrefix(NormalizeMIME(contentType), "image/")
}

// ResolvePlan asks the evaluator whether the organization is on the paid
// plan. Any evaluator failure resolves to Free.
func ResolvePlan(ctx context.Context, evaluator rbac.Evaluator) Plan {
	if evaluator == nil {
		return Free
	}
	ok := false
	func() {
		defer func() {
			if recover() != nil {
				ok = false
			}
		}()
		granted, err := evaluator.Evaluate(ctx, OrganizationsQuery)
		ok = err == nil && granted
	}()
	if ok {
		return Organizations
	}
	return Free
}
