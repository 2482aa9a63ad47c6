package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type FileRecord struct {
	ID              string    `json:"id"`
	OrganizationID  string    `json:"organizationId"`
	StorageID       string    `json:"storageId"`
	CreatedByUserID string    `json:"createdByUserId"`
	FileName        string    `json:"fileName"`
	MIMEType        string    `json:"mimeType"`
	Size            int64     `json:"size"`
	CreatedAt       time.Time `json:"createdAt"`
}

type ChatThread struct {
	ID              string    `json:"id"`
	OrganizationID  string    `json:"organizationId"`
	CreatedByUserID string    `json:"createdByUserId"`
	Title           string    `json:"title"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	CreatedAt       time.Time `json:"createdAt"`
}

type ChatMessage struct {
	ID              string    `json:"id"`
	OrganizationID  string    `json:"organizationId"`
	ThreadID        string    `json:"threadId"`
	CreatedByUserID string    `json:"createdByUserId"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ThreadPatch is a partial update; nil fields are left alone.
type ThreadPatch struct {
	Title         *string
	LastMessageAt *time.Time
}
