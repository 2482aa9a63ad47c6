package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"orbit/api/internal/auth"
	"orbit/api/internal/blob"
	"orbit/api/internal/bounded"
	"orbit/api/internal/logging"
	"orbit/api/internal/metrics"
	"orbit/api/internal/plans"
	"orbit/api/internal/ratelimit"
	"orbit/api/internal/rbac"
	"orbit/api/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore keeps insertion order the way the seq columns do in Postgres.
type memStore struct {
	mu       sync.Mutex
	seq      int
	now      func() time.Time
	files    []store.FileRecord
	threads  []store.ChatThread
	messages []store.ChatMessage
	pingErr  error

	insertFileErr error
	// afterOldestMessages runs once per OldestMessages call, outside the lock.
	afterOldestMessages func()
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{now: now}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_%d", prefix, m.seq)
}

func (m *memStore) InsertFile(_ context.Context, f store.FileRecord) (store.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertFileErr != nil {
		return store.FileRecord{}, m.insertFileErr
	}
	f.ID = m.nextID("file")
	f.CreatedAt = m.now()
	m.files = append(m.files, f)
	return f, nil
}

func (m *memStore) GetFile(_ context.Context, id string) (store.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.ID == id {
			return f, nil
		}
	}
	return store.FileRecord{}, store.ErrNotFound
}

func (m *memStore) ListFiles(_ context.Context, orgID string) ([]store.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.FileRecord
	for i := len(m.files) - 1; i >= 0; i-- {
		if m.files[i].OrganizationID == orgID {
			out = append(out, m.files[i])
		}
	}
	return out, nil
}

func (m *memStore) CountFilesByUploader(_ context.Context, orgID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.files {
		if f.OrganizationID == orgID && f.CreatedByUserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ImageUploadTimes(_ context.Context, orgID, userID string, since time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Time
	for _, f := range m.files {
		if f.OrganizationID == orgID && f.CreatedByUserID == userID &&
			strings.HasPrefix(f.MIMEType, "image/") && !f.CreatedAt.Before(since) {
			out = append(out, f.CreatedAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *memStore) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range m.files {
		if f.ID == id {
			m.files = slices.Delete(m.files, i, i+1)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) InsertThread(_ context.Context, t store.ChatThread) (store.ChatThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.nextID("thr")
	t.CreatedAt = m.now()
	t.LastMessageAt = t.CreatedAt
	m.threads = append(m.threads, t)
	return t, nil
}

func (m *memStore) GetThread(_ context.Context, id string) (store.ChatThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.threads {
		if t.ID == id {
			return t, nil
		}
	}
	return store.ChatThread{}, store.ErrNotFound
}

func (m *memStore) ListThreads(_ context.Context, orgID string) ([]store.ChatThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ChatThread
	for i := len(m.threads) - 1; i >= 0; i-- {
		if m.threads[i].OrganizationID == orgID {
			out = append(out, m.threads[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (m *memStore) OldestThreads(_ context.Context, orgID string, limit int) ([]store.ChatThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ChatThread
	for _, t := range m.threads {
		if t.OrganizationID == orgID && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) PatchThread(_ context.Context, id string, patch store.ThreadPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.threads {
		if m.threads[i].ID != id {
			continue
		}
		if patch.Title != nil {
			m.threads[i].Title = *patch.Title
		}
		if patch.LastMessageAt != nil {
			m.threads[i].LastMessageAt = *patch.LastMessageAt
		}
		return nil
	}
	return store.ErrNotFound
}

func (m *memStore) DeleteThread(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = slices.DeleteFunc(m.messages, func(msg store.ChatMessage) bool { return msg.ThreadID == id })
	for i, t := range m.threads {
		if t.ID == id {
			m.threads = slices.Delete(m.threads, i, i+1)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) InsertMessage(_ context.Context, msg store.ChatMessage) (store.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = m.nextID("msg")
	msg.CreatedAt = m.now()
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *memStore) ListMessages(_ context.Context, threadID string) ([]store.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ChatMessage
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) OldestMessages(ctx context.Context, threadID string, limit int) ([]store.ChatMessage, error) {
	out, _ := m.ListMessages(ctx, threadID)
	if len(out) > limit {
		out = out[:limit]
	}
	if m.afterOldestMessages != nil {
		m.afterOldestMessages()
	}
	return out, nil
}

func (m *memStore) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = slices.DeleteFunc(m.messages, func(msg store.ChatMessage) bool { return msg.ID == id })
	return nil
}

func (m *memStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *memStore) setPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

func (m *memStore) contents(threadID string) []string {
	msgs, _ := m.ListMessages(context.Background(), threadID)
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Content)
	}
	return out
}

type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string]blob.Metadata
	deleted   []string
	deleteErr error
	statErr   error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string]blob.Metadata)}
}

func (b *fakeBlobs) put(storageID string, meta blob.Metadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[storageID] = meta
}

func (b *fakeBlobs) exists(storageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[storageID]
	return ok
}

func (b *fakeBlobs) GenerateUploadURL(_ context.Context, storageID string) (string, error) {
	return "https://blobs.test/upload/" + storageID, nil
}

func (b *fakeBlobs) URL(_ context.Context, storageID string) (string, error) {
	if !b.exists(storageID) {
		return "", blob.ErrNotFound
	}
	return "https://blobs.test/get/" + storageID, nil
}

func (b *fakeBlobs) Stat(_ context.Context, storageID string) (blob.Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statErr != nil {
		return blob.Metadata{}, b.statErr
	}
	meta, ok := b.objects[storageID]
	if !ok {
		return blob.Metadata{}, blob.ErrNotFound
	}
	return meta, nil
}

func (b *fakeBlobs) Delete(_ context.Context, storageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, storageID)
	if b.deleteErr != nil {
		return b.deleteErr
	}
	delete(b.objects, storageID)
	return nil
}

type fakeMailer struct {
	mu         sync.Mutex
	configured bool
	err        error
	welcome    []string
	contact    []string
}

func (m *fakeMailer) IsConfigured() bool { return m.configured }

func (m *fakeMailer) SendWelcomeEmail(to, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.welcome = append(m.welcome, to+"|"+name)
	return m.err
}

func (m *fakeMailer) SendContactEmail(name, from, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contact = append(m.contact, name+"|"+from+"|"+message)
	return m.err
}

func (m *fakeMailer) contacts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.contact)
}

// harness wires a Service over in-memory fakes and a fixed clock.
type harness struct {
	svc     *Service
	store   *memStore
	blobs   *fakeBlobs
	clock   *fakeClock
	limiter *ratelimit.Memory
	mailer  *fakeMailer
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, overrides plans.MapSource, mutate ...func(*Deps)) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		store:   newMemStore(clock.Now),
		blobs:   newFakeBlobs(),
		clock:   clock,
		limiter: ratelimit.NewMemory(ratelimit.WithClock(clock.Now)),
		mailer:  &fakeMailer{configured: true},
		metrics: metrics.New(),
	}
	deps := Deps{
		Store:     h.store,
		Blobs:     h.blobs,
		Limiter:   h.limiter,
		Plans:     plans.NewStaticResolver(plans.Resolve(overrides)),
		Evaluator: freePlan,
		Mailer:    h.mailer,
		Metrics:   h.metrics,
		Logger:    logging.Discard(),
		Enforcer:  bounded.Enforcer{},
		ChatTools: []string{"search", "files"},
		Now:       clock.Now,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	h.svc = New(deps)
	return h
}

var freePlan = rbac.EvaluatorFunc(func(context.Context, string) (bool, error) { return false, nil })

var orgPlan = rbac.EvaluatorFunc(func(_ context.Context, query string) (bool, error) {
	return query == plans.OrganizationsQuery, nil
})

var brokenEvaluator = rbac.EvaluatorFunc(func(context.Context, string) (bool, error) {
	return false, errors.New("provider down")
})

func member(orgID, userID string) auth.OrganizationAuthContext {
	return auth.OrganizationAuthContext{SubjectID: userID, OrganizationID: orgID, OrganizationRole: "member"}
}

func admin(orgID, userID string) auth.OrganizationAuthContext {
	return auth.OrganizationAuthContext{SubjectID: userID, OrganizationID: orgID, OrganizationRole: "admin"}
}

func guest(orgID, userID string, grants ...string) auth.OrganizationAuthContext {
	return auth.OrganizationAuthContext{SubjectID: userID, OrganizationID: orgID, OrganizationRole: "guest", OrganizationPermissions: grants}
}

// ctxFor attaches claims matching org so fail-open list calls see a caller.
func ctxFor(org auth.OrganizationAuthContext) context.Context {
	return auth.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwtSubject(org.SubjectID),
		OrgID:            org.OrganizationID,
		OrgRole:          org.OrganizationRole,
		OrgPermissions:   org.OrganizationPermissions,
	})
}

func jwtSubject(subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: subject}
}

func codeOf(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	_, code, _, _ := mapError(err)
	return code
}
