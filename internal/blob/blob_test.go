package blob

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 answers HEAD for one object and 404 for everything else.
func fakeS3(t *testing.T) *MinioStore {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && r.URL.Path == "/uploads/org_a/present" {
			w.Header().Set("Content-Length", "12000000")
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("ETag", `"abc"`)
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	s, err := NewMinioStore(Options{
		Endpoint:  u.Host,
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "uploads",
		Region:    "us-east-1",
	})
	require.NoError(t, err)
	return s
}

func TestStatReportsStoredMetadata(t *testing.T) {
	s := fakeS3(t)

	meta, err := s.Stat(context.Background(), "org_a/present")
	require.NoError(t, err)
	assert.Equal(t, int64(12_000_000), meta.Size)
	assert.Equal(t, "image/png", meta.ContentType)

	_, err = s.Stat(context.Background(), "org_a/missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestGenerateUploadURLIsPresigned(t *testing.T) {
	s := fakeS3(t)

	raw, err := s.GenerateUploadURL(context.Background(), "org_a/new")
	require.NoError(t, err)
	assert.True(t, strings.Contains(raw, "/uploads/org_a/new"), raw)
	assert.Contains(t, raw, "X-Amz-Signature=")
	assert.Contains(t, raw, "X-Amz-Expires=900")
}

func TestURLMissingObject(t *testing.T) {
	s := fakeS3(t)

	_, err := s.URL(context.Background(), "org_a/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	raw, err := s.URL(context.Background(), "org_a/present")
	require.NoError(t, err)
	assert.Contains(t, raw, "X-Amz-Expires=3600")
}
