package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-hclog"

	"orbit/api/internal/auth"
	"orbit/api/internal/ratelimit"
)

type HTTPConfig struct {
	CORSOrigin string
	JWTSecret  []byte
	JWTIssuer  string
	// Limiter throttles the email and health routes. Chat is throttled per
	// plan inside the service.
	Limiter     ratelimit.Limiter
	EmailLimit  ratelimit.Rule
	HealthLimit ratelimit.Rule
}

type HTTPServer struct {
	service *Service
	cfg     HTTPConfig
	logger  hclog.Logger
}

func NewHTTPServer(service *Service, cfg HTTPConfig) *HTTPServer {
	return &HTTPServer{
		service: service,
		cfg:     cfg,
		logger:  service.Logger().Named("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestContext)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(s.cfg.CORSOrigin),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{
			"X-Request-ID",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After",
			"X-Chat-Plan", "X-Chat-Lifetime-Remaining", "X-Chat-Tools",
		},
		MaxAge: 300,
	}))
	r.Use(s.authenticate)

	r.Group(func(r chi.Router) {
		r.Use(s.throttle("health", s.cfg.HealthLimit))
		r.Get("/api/health", s.handleHealth)
		r.Get("/api/ready", s.handleReady)
	})
	r.Method(http.MethodGet, "/metrics", s.service.metrics.Handler())

	r.Route("/api/files", func(r chi.Router) {
		r.Get("/", s.handleListFiles)
		r.Post("/", s.handleSaveFile)
		r.Post("/upload-url", s.handleUploadURL)
		r.Get("/{fileID}/url", s.handleFileURL)
		r.Delete("/{fileID}", s.handleDeleteFile)
	})

	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", s.handleChat)
		r.Get("/threads", s.handleListThreads)
		r.Post("/threads", s.handleCreateThread)
		r.Delete("/threads/{threadID}", s.handleDeleteThread)
		r.Get("/threads/{threadID}/messages", s.handleListMessages)
		r.Post("/threads/{threadID}/messages", s.handleSaveMessage)
	})

	r.Get("/api/usage", s.handleUsage)

	r.Route("/api/email", func(r chi.Router) {
		r.Use(s.throttle("email", s.cfg.EmailLimit))
		r.Post("/contact", s.handleContact)
		r.Post("/welcome", s.handleWelcome)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, checks := s.service.Ready(r.Context())
	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.service.ListFiles(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *HTTPServer) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	ticket, err := s.service.GenerateUploadURL(r.Context(), org)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *HTTPServer) handleSaveFile(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	var body SaveFileInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.StorageID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "storageId is required", nil)
		return
	}
	record, err := s.service.SaveFile(r.Context(), org, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *HTTPServer) handleFileURL(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	url, err := s.service.GetFileURL(r.Context(), org, chi.URLParam(r, "fileID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *HTTPServer) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteFile(r.Context(), org, chi.URLParam(r, "fileID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.service.ListThreads(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	thread, err := s.service.CreateThread(r.Context(), org, body.Title)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *HTTPServer) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteThread(r.Context(), org, chi.URLParam(r, "threadID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	messages, err := s.service.ListMessages(r.Context(), org, chi.URLParam(r, "threadID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleSaveMessage(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	var body struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Role == "" {
		body.Role = "user"
	}
	message, err := s.service.SaveMessage(r.Context(), org, chi.URLParam(r, "threadID"), body.Role, body.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	var body ChatRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	outcome, err := s.service.Chat(r.Context(), org, ratelimit.ClientIP(r), body)
	s.writeChatHeaders(w, outcome)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response := map[string]any{
		"model": outcome.Completion.Model,
		"message": map[string]any{
			"role":    "assistant",
			"content": outcome.Completion.Content,
		},
	}
	if outcome.Reply != nil {
		response["threadId"] = outcome.Reply.ThreadID
		response["messageId"] = outcome.Reply.ID
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) writeChatHeaders(w http.ResponseWriter, outcome ChatOutcome) {
	h := w.Header()
	h.Set("X-Chat-Plan", string(outcome.Plan))
	if outcome.LifetimeRemaining < 0 {
		h.Set("X-Chat-Lifetime-Remaining", "unlimited")
	} else {
		h.Set("X-Chat-Lifetime-Remaining", strconv.Itoa(outcome.LifetimeRemaining))
	}
	h.Set("X-Chat-Tools", strings.Join(s.service.ChatTools(), ","))
	if outcome.RateLimit != nil {
		ratelimit.Headers(w, *outcome.RateLimit, s.service.now())
	}
}

func (s *HTTPServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	report, err := s.service.Usage(r.Context(), org)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleContact(w http.ResponseWriter, r *http.Request) {
	var body ContactInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SendContact(r.Context(), body); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handleWelcome(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	var body WelcomeInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SendWelcome(r.Context(), org, body); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// requireOrg writes the auth failure itself; callers just return.
func (s *HTTPServer) requireOrg(w http.ResponseWriter, r *http.Request) (auth.OrganizationAuthContext, bool) {
	org, err := auth.RequireOrg(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return org, false
	}
	return org, true
}

// fail renders err in the error envelope. Server-side failures are logged
// and carry the request id so a report can be correlated with the log.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(domainErr.RetryAfter/time.Second)))
	}
	if status < http.StatusInternalServerError {
		writeError(w, status, code, message, details)
		return
	}
	requestID := requestIDFrom(r.Context())
	s.logger.Error("request failed", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	response := errorBody(code, message, details)
	response["requestId"] = requestID
	writeJSON(w, status, response)
}

func (s *HTTPServer) throttle(route string, rule ratelimit.Rule) func(http.Handler) http.Handler {
	return ratelimit.Middleware(ratelimit.MiddlewareConfig{
		Limiter: s.cfg.Limiter,
		Rule:    rule,
		Prefix:  route,
		Logger:  s.logger,
		Now:     s.service.now,
		OnLimited: func(w http.ResponseWriter, r *http.Request, result ratelimit.Result) {
			s.service.metrics.RateLimited(route)
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "Too many requests", map[string]any{
				"limit":             result.Limit,
				"retryAfterSeconds": int(ratelimit.RetryAfter(result, s.service.now()) / time.Second),
			})
		},
	})
}

// authenticate attaches verified claims. Requests without a bearer token
// pass through anonymous; a bad token is rejected outright.
func (s *HTTPServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid or expired token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func (s *HTTPServer) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		s.service.metrics.ObserveRequest(r.Method, route, writer.status, elapsed)
		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func corsOrigins(origin string) []string {
	var origins []string
	for _, part := range strings.Split(origin, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorBody(code, message string, details any) map[string]any {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	return response
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorBody(code, message, details))
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
