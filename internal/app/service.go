package app

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"

	"orbit/api/internal/auth"
	"orbit/api/internal/blob"
	"orbit/api/internal/bounded"
	"orbit/api/internal/inference"
	"orbit/api/internal/metrics"
	"orbit/api/internal/plans"
	"orbit/api/internal/ratelimit"
	"orbit/api/internal/rbac"
	"orbit/api/internal/store"
	"orbit/api/internal/usage"
)

type dataStore interface {
	InsertFile(context.Context, store.FileRecord) (store.FileRecord, error)
	GetFile(context.Context, string) (store.FileRecord, error)
	ListFiles(context.Context, string) ([]store.FileRecord, error)
	CountFilesByUploader(context.Context, string, string) (int, error)
	ImageUploadTimes(context.Context, string, string, time.Time) ([]time.Time, error)
	DeleteFile(context.Context, string) error
	InsertThread(context.Context, store.ChatThread) (store.ChatThread, error)
	GetThread(context.Context, string) (store.ChatThread, error)
	ListThreads(context.Context, string) ([]store.ChatThread, error)
	OldestThreads(context.Context, string, int) ([]store.ChatThread, error)
	PatchThread(context.Context, string, store.ThreadPatch) error
	DeleteThread(context.Context, string) error
	InsertMessage(context.Context, store.ChatMessage) (store.ChatMessage, error)
	ListMessages(context.Context, string) ([]store.ChatMessage, error)
	OldestMessages(context.Context, string, int) ([]store.ChatMessage, error)
	DeleteMessage(context.Context, string) error
	Ping(ctx context.Context) error
}

type mailer interface {
	IsConfigured() bool
	SendWelcomeEmail(string, string) error
	SendContactEmail(string, string, string) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Deps are constructed once at startup and shared by every request.
type Deps struct {
	Store     dataStore
	Blobs     blob.Store
	Usage     usage.Store
	Limiter   ratelimit.Limiter
	Plans     *plans.Resolver
	Evaluator rbac.Evaluator
	Completer inference.Completer
	Mailer    mailer
	Metrics   *metrics.Metrics
	Logger    hclog.Logger
	Enforcer  bounded.Enforcer
	ChatTools []string
	Now       func() time.Time
}

type Service struct {
	store     dataStore
	blobs     blob.Store
	usage     usage.Store
	limiter   ratelimit.Limiter
	plans     *plans.Resolver
	evaluator rbac.Evaluator
	completer inference.Completer
	mailer    mailer
	metrics   *metrics.Metrics
	logger    hclog.Logger
	enforcer  bounded.Enforcer
	chatTools []string
	now       func() time.Time
}

func New(deps Deps) *Service {
	s := &Service{
		store:     deps.Store,
		blobs:     deps.Blobs,
		usage:     deps.Usage,
		limiter:   deps.Limiter,
		plans:     deps.Plans,
		evaluator: deps.Evaluator,
		completer: deps.Completer,
		mailer:    deps.Mailer,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		enforcer:  deps.Enforcer,
		chatTools: deps.ChatTools,
		now:       deps.Now,
	}
	if s.plans == nil {
		s.plans = plans.NewStaticResolver(plans.Resolve())
	}
	if s.evaluator == nil {
		s.evaluator = rbac.ClaimsEvaluator{}
	}
	if s.completer == nil {
		s.completer = inference.Echo{}
	}
	if s.logger == nil {
		s.logger = hclog.NewNullLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Logger() hclog.Logger {
	return s.logger
}

// ChatTools lists the tool names enabled for chat completion.
func (s *Service) ChatTools() []string {
	return s.chatTools
}

// requirePermission counts denials before returning the permission error.
func (s *Service) requirePermission(ctx context.Context, org auth.OrganizationAuthContext, permission rbac.Permission) error {
	err := rbac.RequireOrgPermission(ctx, org, permission, s.evaluator)
	if err != nil {
		s.metrics.PermissionDenied(string(permission))
	}
	return err
}

func (s *Service) limitsFor(ctx context.Context) (plans.Plan, plans.Limits) {
	plan := plans.ResolvePlan(ctx, s.evaluator)
	return plan, s.plans.For(plan)
}

func (s *Service) rejectQuota(plan plans.Plan, err *DomainError) *DomainError {
	s.metrics.QuotaRejected(err.Code, string(plan))
	s.logger.Info("quota rejection", "code", err.Code, "plan", plan, "details", err.Details)
	return err
}

// readableOrg resolves the caller for a list endpoint. Any auth or
// permission failure reads as "nothing to show".
func (s *Service) readableOrg(ctx context.Context, permission rbac.Permission) (auth.OrganizationAuthContext, bool) {
	org, err := auth.RequireOrg(ctx)
	if err != nil {
		return org, false
	}
	if err := s.requirePermission(ctx, org, permission); err != nil {
		return org, false
	}
	return org, true
}

// sameOrg distinguishes a missing entity from one owned by another tenant.
func sameOrg(org auth.OrganizationAuthContext, entityOrgID, what string) error {
	if entityOrgID != org.OrganizationID {
		return forbidden(what + " belongs to a different organization")
	}
	return nil
}

func lookupError(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound(what)
	}
	return err
}

// Check is one readiness probe result.
type Check struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Readiness pings every backing service that supports it.
func (s *Service) readinessTargets() map[string]pinger {
	targets := map[string]pinger{"database": s.store}
	if p, ok := s.limiter.(pinger); ok {
		targets["rateLimiter"] = p
	}
	if p, ok := s.blobs.(pinger); ok {
		targets["objectStorage"] = p
	}
	return targets
}
