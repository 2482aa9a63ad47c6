package plans

import (
	"strconv"
	"strings"
	"time"
)

// Configuration keys. Each may be given globally or prefixed with the plan
// name ("FREE_MAX_FILES_PER_USER").
const (
	KeyMaxFileSizeBytes       = "MAX_FILE_SIZE_BYTES"
	KeyMaxFilesPerUser        = "MAX_FILES_PER_USER"
	KeyImageUploadsPerWindow  = "IMAGE_UPLOADS_PER_WINDOW"
	KeyImageUploadWindowMs    = "IMAGE_UPLOAD_WINDOW_MS"
	KeyChatRateIntervalMs     = "CHAT_RATE_LIMIT_INTERVAL_MS"
	KeyChatRateMaxRequests    = "CHAT_RATE_LIMIT_MAX_REQUESTS"
	KeyChatLifetimeMessages   = "CHAT_LIFETIME_MESSAGE_LIMIT"
	KeyChatMessagesPerThread  = "CHAT_HISTORY_MAX_MESSAGES_PER_THREAD"
	KeyChatThreadsPerOrg      = "CHAT_HISTORY_MAX_THREADS_PER_WORKSPACE"
	KeyChatMaxMessageLength   = "CHAT_MAX_MESSAGE_LENGTH"
	KeyChatTitleMaxLength     = "CHAT_THREAD_TITLE_MAX_LENGTH"
	KeyChatDefaultThreadTitle = "CHAT_DEFAULT_THREAD_TITLE"
	KeyAllowedMIMETypes       = "ALLOWED_MIME_TYPES"
)

// Resolve walks the layers once and produces the flat table. Layers are
// consulted in the order given; a plan-specific key in any layer beats a
// global key in any layer, and within the same key the earlier layer wins.
// Unparsable values fall through to the next candidate.
func Resolve(layers ...Source) *Table {
	table := &Table{Plans: make(map[Plan]Limits, len(All))}
	global := lookup{layers: layers}

	for _, plan := range All {
		l := lookup{layers: layers, plan: plan}
		base := fallbackLimits[plan]
		table.Plans[plan] = Limits{
			FileStorage: FileStorage{
				MaxFileSizeBytes: l.capacity64(KeyMaxFileSizeBytes, base.FileStorage.MaxFileSizeBytes),
				MaxFilesPerUser:  l.capacity(KeyMaxFilesPerUser, base.FileStorage.MaxFilesPerUser),
			},
			ImageUploadRateLimit: ImageUploadRateLimit{
				MaxUploadsPerWindow: l.toggle(KeyImageUploadsPerWindow, base.ImageUploadRateLimit.MaxUploadsPerWindow),
				Window:              l.window(KeyImageUploadWindowMs, base.ImageUploadRateLimit.Window),
			},
			ChatRateLimit: ChatRateLimit{
				Interval:    l.window(KeyChatRateIntervalMs, base.ChatRateLimit.Interval),
				MaxRequests: l.toggle(KeyChatRateMaxRequests, base.ChatRateLimit.MaxRequests),
			},
			ChatLifetimeMessageLimit: ChatLifetimeMessageLimit{
				MaxMessages: l.toggle(KeyChatLifetimeMessages, base.ChatLifetimeMessageLimit.MaxMessages),
			},
			ChatHistory: ChatHistory{
				MaxMessagesPerThread:   l.capacity(KeyChatMessagesPerThread, base.ChatHistory.MaxMessagesPerThread),
				MaxThreadsPerWorkspace: l.capacity(KeyChatThreadsPerOrg, base.ChatHistory.MaxThreadsPerWorkspace),
			},
		}
	}

	table.Chat = ChatSettings{
		MaxMessageLength:     global.capacity(KeyChatMaxMessageLength, fallbackChat.MaxMessageLength),
		ThreadTitleMaxLength: global.capacity(KeyChatTitleMaxLength, fallbackChat.ThreadTitleMaxLength),
		DefaultThreadTitle:   global.text(KeyChatDefaultThreadTitle, fallbackChat.DefaultThreadTitle),
	}
	table.AllowedMIMETypes = global.list(KeyAllowedMIMETypes, fallbackMIMETypes)
	return table
}

type lookup struct {
	layers []Source
	plan   Plan
}

func (l lookup) candidates(key string) []string {
	if l.plan == "" {
		return []string{key}
	}
	return []string{strings.ToUpper(string(l.plan)) + "_" + key, key}
}

// first returns the first raw value for which accept succeeds.
func (l lookup) first(key string, accept func(string) bool) {
	for _, candidate := range l.candidates(key) {
		for _, layer := range l.layers {
			if layer == nil {
				continue
			}
			raw, ok := layer.Lookup(candidate)
			if ok && accept(strings.TrimSpace(raw)) {
				return
			}
		}
	}
}

// capacity resolves a size or count. Zero or negative is not a valid cap.
func (l lookup) capacity(key string, fallback int) int {
	out := fallback
	l.first(key, func(raw string) bool {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return false
		}
		out = n
		return true
	})
	return out
}

func (l lookup) capacity64(key string, fallback int64) int64 {
	out := fallback
	l.first(key, func(raw string) bool {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return false
		}
		out = n
		return true
	})
	return out
}

// toggle resolves a limit where a non-positive value disables the feature.
func (l lookup) toggle(key string, fallback int) int {
	out := fallback
	l.first(key, func(raw string) bool {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return false
		}
		out = max(n, 0)
		return true
	})
	return out
}

// window resolves a millisecond duration; non-positive disables.
func (l lookup) window(key string, fallback time.Duration) time.Duration {
	out := fallback
	l.first(key, func(raw string) bool {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return false
		}
		out = time.Duration(max(ms, 0)) * time.Millisecond
		return true
	})
	return out
}

func (l lookup) text(key, fallback string) string {
	out := fallback
	l.first(key, func(raw string) bool {
		if raw == "" {
			return false
		}
		out = raw
		return true
	})
	return out
}

func (l lookup) list(key string, fallback []string) []string {
	out := append([]string(nil), fallback...)
	l.first(key, func(raw string) bool {
		var items []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				items = append(items, part)
			}
		}
		if len(items) == 0 {
			return false
		}
		out = items
		return true
	})
	return out
}
