package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"orbit/api/internal/auth"
	"orbit/api/internal/blob"
	"orbit/api/internal/plans"
	"orbit/api/internal/rbac"
	"orbit/api/internal/store"
)

const (
	maxFileNameBytes = 255
	cleanupTimeout   = 10 * time.Second
)

type UploadTicket struct {
	UploadURL string `json:"uploadUrl"`
	StorageID string `json:"storageId"`
}

type SaveFileInput struct {
	StorageID string `json:"storageId"`
	FileName  string `json:"fileName"`
	// Size and MIMEType are what the client claims. They are only logged.
	Size     int64  `json:"size"`
	MIMEType string `json:"mimeType"`
}

// GenerateUploadURL is step one of the upload handshake. The per-uploader
// file cap is checked before any URL is issued.
func (s *Service) GenerateUploadURL(ctx context.Context, org auth.OrganizationAuthContext) (UploadTicket, error) {
	if err := s.requirePermission(ctx, org, rbac.FilesCreate); err != nil {
		return UploadTicket{}, err
	}
	plan, limits := s.limitsFor(ctx)
	if err := s.checkFileCount(ctx, org, plan, limits); err != nil {
		return UploadTicket{}, err
	}

	storageID := org.OrganizationID + "/" + uuid.NewString()
	url, err := s.blobs.GenerateUploadURL(ctx, storageID)
	if err != nil {
		return UploadTicket{}, upstreamError("Could not create an upload URL", err)
	}
	return UploadTicket{UploadURL: url, StorageID: storageID}, nil
}

// SaveFile persists metadata for an uploaded blob. Size and type come from
// the object store; any rejection deletes the blob before returning.
func (s *Service) SaveFile(ctx context.Context, org auth.OrganizationAuthContext, input SaveFileInput) (store.FileRecord, error) {
	if err := s.requirePermission(ctx, org, rbac.FilesCreate); err != nil {
		return store.FileRecord{}, err
	}
	if !ownsStorageID(org.OrganizationID, input.StorageID) {
		return store.FileRecord{}, forbidden("Upload belongs to a different organization")
	}

	meta, err := s.blobs.Stat(ctx, input.StorageID)
	if errors.Is(err, blob.ErrNotFound) {
		return store.FileRecord{}, notFound("Upload")
	}
	if err != nil {
		s.discardBlob(ctx, input.StorageID)
		return store.FileRecord{}, upstreamError("Could not verify the upload", err)
	}
	meta.ContentType = plans.NormalizeMIME(meta.ContentType)
	if input.Size != meta.Size || (input.MIMEType != "" && plans.NormalizeMIME(input.MIMEType) != meta.ContentType) {
		s.logger.Debug("declared upload attributes differ from storage",
			"storage_id", input.StorageID,
			"declared_size", input.Size, "size", meta.Size,
			"declared_type", input.MIMEType, "type", meta.ContentType)
	}

	plan, limits := s.limitsFor(ctx)
	if rejection := s.validateUpload(ctx, org, plan, limits, meta); rejection != nil {
		s.discardBlob(ctx, input.StorageID)
		return store.FileRecord{}, rejection
	}

	record, err := s.store.InsertFile(ctx, store.FileRecord{
		OrganizationID:  org.OrganizationID,
		StorageID:       input.StorageID,
		CreatedByUserID: org.SubjectID,
		FileName:        SanitizeFileName(input.FileName),
		MIMEType:        meta.ContentType,
		Size:            meta.Size,
	})
	if err != nil {
		s.discardBlob(ctx, input.StorageID)
		return store.FileRecord{}, fmt.Errorf("save file: %w", err)
	}
	return record, nil
}

func (s *Service) validateUpload(ctx context.Context, org auth.OrganizationAuthContext, plan plans.Plan, limits plans.Limits, meta blob.Metadata) error {
	maxSize := limits.FileStorage.MaxFileSizeBytes
	if meta.Size > maxSize {
		return s.rejectQuota(plan, quotaExceeded(codeFileTooLarge,
			fmt.Sprintf("File exceeds the maximum size of %d bytes", maxSize), maxSize, 0))
	}
	table := s.plans.Table()
	if !table.MIMEAllowed(meta.ContentType) {
		return s.rejectQuota(plan, quotaExceeded(codeUnsupportedFileType,
			fmt.Sprintf("File type %q is not allowed", meta.ContentType), table.AllowedMIMETypes, 0))
	}
	if plans.IsImage(meta.ContentType) && limits.ImageUploadRateLimit.Enabled() {
		if err := s.checkImageWindow(ctx, org, plan, limits.ImageUploadRateLimit); err != nil {
			return err
		}
	}
	// URLs issued concurrently could otherwise all pass the handshake check.
	return s.checkFileCount(ctx, org, plan, limits)
}

func (s *Service) checkFileCount(ctx context.Context, org auth.OrganizationAuthContext, plan plans.Plan, limits plans.Limits) error {
	count, err := s.store.CountFilesByUploader(ctx, org.OrganizationID, org.SubjectID)
	if err != nil {
		return fmt.Errorf("count files: %w", err)
	}
	maxFiles := limits.FileStorage.MaxFilesPerUser
	if count >= maxFiles {
		return s.rejectQuota(plan, quotaExceeded(codeFileCountLimit,
			fmt.Sprintf("File limit of %d reached", maxFiles), maxFiles, 0))
	}
	return nil
}

func (s *Service) checkImageWindow(ctx context.Context, org auth.OrganizationAuthContext, plan plans.Plan, rule plans.ImageUploadRateLimit) error {
	now := s.now()
	times, err := s.store.ImageUploadTimes(ctx, org.OrganizationID, org.SubjectID, now.Add(-rule.Window))
	if err != nil {
		return fmt.Errorf("image upload window: %w", err)
	}
	if len(times) < rule.MaxUploadsPerWindow {
		return nil
	}
	// The window reopens once enough of the counted uploads age out.
	opensAt := times[len(times)-rule.MaxUploadsPerWindow].Add(rule.Window)
	return s.rejectQuota(plan, quotaExceeded(codeImageUploadRateLimit,
		fmt.Sprintf("Image upload limit of %d per %s reached", rule.MaxUploadsPerWindow, rule.Window),
		rule.MaxUploadsPerWindow, opensAt.Sub(now)))
}

// discardBlob deletes an upload that will not be kept. Failures are logged
// and never replace the error being returned to the caller.
func (s *Service) discardBlob(ctx context.Context, storageID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.blobs.Delete(ctx, storageID); err != nil {
		s.metrics.CleanupFailed()
		s.logger.Error("orphaned upload cleanup failed", "storage_id", storageID, "error", err)
	}
}

// ListFiles returns the organization's files, newest first. Callers that are
// not signed in or lack files:read get an empty list.
func (s *Service) ListFiles(ctx context.Context) ([]store.FileRecord, error) {
	org, ok := s.readableOrg(ctx, rbac.FilesRead)
	if !ok {
		return []store.FileRecord{}, nil
	}
	files, err := s.store.ListFiles(ctx, org.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	if files == nil {
		files = []store.FileRecord{}
	}
	return files, nil
}

func (s *Service) GetFileURL(ctx context.Context, org auth.OrganizationAuthContext, fileID string) (string, error) {
	if err := s.requirePermission(ctx, org, rbac.FilesRead); err != nil {
		return "", err
	}
	file, err := s.fileFor(ctx, org, fileID)
	if err != nil {
		return "", err
	}
	url, err := s.blobs.URL(ctx, file.StorageID)
	if errors.Is(err, blob.ErrNotFound) {
		return "", notFound("File content")
	}
	if err != nil {
		return "", upstreamError("Could not create a download URL", err)
	}
	return url, nil
}

// DeleteFile removes the blob and then the record. The uploader may always
// delete; anyone else needs files:delete.
func (s *Service) DeleteFile(ctx context.Context, org auth.OrganizationAuthContext, fileID string) error {
	file, err := s.fileFor(ctx, org, fileID)
	if err != nil {
		return err
	}
	if file.CreatedByUserID != org.SubjectID {
		if err := s.requirePermission(ctx, org, rbac.FilesDelete); err != nil {
			return err
		}
	}
	if err := s.blobs.Delete(ctx, file.StorageID); err != nil {
		return upstreamError("Could not delete file content", err)
	}
	if err := s.store.DeleteFile(ctx, file.ID); err != nil {
		return lookupError(err, "File")
	}
	return nil
}

func (s *Service) fileFor(ctx context.Context, org auth.OrganizationAuthContext, fileID string) (store.FileRecord, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return store.FileRecord{}, lookupError(err, "File")
	}
	if err := sameOrg(org, file.OrganizationID, "File"); err != nil {
		return store.FileRecord{}, err
	}
	return file, nil
}

func ownsStorageID(orgID, storageID string) bool {
	rest, ok := strings.CutPrefix(storageID, orgID+"/")
	return ok && rest != "" && !strings.Contains(rest, "/") && !strings.Contains(rest, "..")
}

const unsafeFileNameChars = `/\<>:"|?*`

// SanitizeFileName replaces path separators, shell/URL-hostile characters
// and control characters with "_" and caps the result at 255 bytes.
func SanitizeFileName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(unsafeFileNameChars, r) {
			return '_'
		}
		return r
	}, strings.ToValidUTF8(name, "_"))
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.Trim(cleaned, ".")
	if len(cleaned) > maxFileNameBytes {
		cut := maxFileNameBytes
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = strings.TrimSpace(cleaned[:cut])
	}
	if cleaned == "" {
		return "file"
	}
	return cleaned
}
