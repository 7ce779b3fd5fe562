package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvforge/cvforge/internal/domain"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestValidateKey(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		key  string
		ok   bool
	}{
		{"nested key", "uploads/u1/cv.pdf", true},
		{"empty", "", false},
		{"absolute", "/etc/passwd", false},
		{"traversal", "uploads/../secrets", false},
		{"too long", strings.Repeat("k", maxKeyLen+1), false},
		{"at limit", strings.Repeat("k", maxKeyLen), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateKey(tc.key)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, domain.CodeFileInvalid, domain.AsAppError(err).Code)
		})
	}
}

func TestLocalStore_UploadDownloadRoundtrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	payload := []byte("%PDF-1.7 fake resume")
	obj, err := store.Upload(ctx, payload, "uploads/u1/cv.pdf", domain.UploadOptions{
		ContentType: "application/pdf",
		Metadata:    map[string]string{"originalName": "resume.pdf"},
	})
	require.NoError(t, err)
	assert.Equal(t, "local", obj.Provider)
	assert.Equal(t, "uploads/u1/cv.pdf", obj.Key)
	assert.Equal(t, int64(len(payload)), obj.Size)
	assert.Nil(t, obj.URL)

	got, err := store.Download(ctx, "uploads/u1/cv.pdf")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLocalStore_Upload_RejectsEmptyPayload(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.Upload(context.Background(), nil, "uploads/u1/empty.pdf", domain.UploadOptions{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeFileInvalid, domain.AsAppError(err).Code)
}

func TestLocalStore_Download_Missing(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.Download(context.Background(), "uploads/ghost.pdf")
	require.Error(t, err)
	assert.Equal(t, domain.CodeFileNotFound, domain.AsAppError(err).Code)
}

func TestLocalStore_Delete(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upload(ctx, []byte("x"), "uploads/u1/cv.pdf", domain.UploadOptions{})
	require.NoError(t, err)

	existed, err := store.Delete(ctx, "uploads/u1/cv.pdf")
	require.NoError(t, err)
	assert.True(t, existed)

	ok, err := store.Exists(ctx, "uploads/u1/cv.pdf")
	require.NoError(t, err)
	assert.False(t, ok)

	existed, err = store.Delete(ctx, "uploads/u1/cv.pdf")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestLocalStore_Metadata(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	payload := []byte("hello")
	_, err := store.Upload(ctx, payload, "uploads/u1/cv.pdf", domain.UploadOptions{
		ContentType: "application/pdf",
		Metadata:    map[string]string{"originalName": "resume.pdf"},
	})
	require.NoError(t, err)

	meta, err := store.Metadata(ctx, "uploads/u1/cv.pdf")
	require.NoError(t, err)
	assert.Equal(t, "uploads/u1/cv.pdf", meta.Key)
	assert.Equal(t, int64(len(payload)), meta.Size)
	assert.Equal(t, "application/pdf", meta.ContentType)
	assert.Equal(t, "resume.pdf", meta.Metadata["originalName"])
	assert.WithinDuration(t, time.Now().UTC(), meta.LastModified, time.Minute)

	_, err = store.Metadata(ctx, "uploads/ghost.pdf")
	require.Error(t, err)
	assert.Equal(t, domain.CodeFileNotFound, domain.AsAppError(err).Code)
}

func TestLocalStore_Metadata_ContentTypeFallsBackToExtension(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upload(ctx, []byte("{}"), "exports/report.json", domain.UploadOptions{})
	require.NoError(t, err)

	meta, err := store.Metadata(ctx, "exports/report.json")
	require.NoError(t, err)
	assert.Contains(t, meta.ContentType, "application/json")
}

func TestLocalStore_List_PaginatesWithToken(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{
		"uploads/u1/a.pdf",
		"uploads/u1/b.pdf",
		"uploads/u1/c.pdf",
		"uploads/u1/d.pdf",
		"uploads/u1/e.pdf",
		"generated/u1/out.pdf",
	} {
		_, err := store.Upload(ctx, []byte("x"), key, domain.UploadOptions{ContentType: "application/pdf"})
		require.NoError(t, err)
	}

	page1, err := store.List(ctx, "uploads/", domain.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Objects, 2)
	assert.Equal(t, "uploads/u1/a.pdf", page1.Objects[0].Key)
	assert.Equal(t, "uploads/u1/b.pdf", page1.Objects[1].Key)
	assert.Equal(t, "uploads/u1/b.pdf", page1.NextToken)

	page2, err := store.List(ctx, "uploads/", domain.ListOptions{Limit: 2, Token: page1.NextToken})
	require.NoError(t, err)
	require.Len(t, page2.Objects, 2)
	assert.Equal(t, "uploads/u1/c.pdf", page2.Objects[0].Key)
	assert.Equal(t, "uploads/u1/d.pdf", page2.Objects[1].Key)

	page3, err := store.List(ctx, "uploads/", domain.ListOptions{Limit: 2, Token: page2.NextToken})
	require.NoError(t, err)
	require.Len(t, page3.Objects, 1)
	assert.Equal(t, "uploads/u1/e.pdf", page3.Objects[0].Key)
	assert.Empty(t, page3.NextToken)
}

func TestLocalStore_List_HidesMetadataSidecars(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upload(ctx, []byte("x"), "uploads/u1/cv.pdf", domain.UploadOptions{
		ContentType: "application/pdf",
	})
	require.NoError(t, err)

	listing, err := store.List(ctx, "", domain.ListOptions{})
	require.NoError(t, err)
	require.Len(t, listing.Objects, 1)
	assert.Equal(t, "uploads/u1/cv.pdf", listing.Objects[0].Key)
}

func TestLocalStore_CopyAndMove(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	payload := []byte("draft content")
	_, err := store.Upload(ctx, payload, "drafts/u1/cv.pdf", domain.UploadOptions{
		ContentType: "application/pdf",
	})
	require.NoError(t, err)

	require.NoError(t, store.Copy(ctx, "drafts/u1/cv.pdf", "published/u1/cv.pdf"))

	got, err := store.Download(ctx, "published/u1/cv.pdf")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	meta, err := store.Metadata(ctx, "published/u1/cv.pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", meta.ContentType)

	require.NoError(t, store.Move(ctx, "published/u1/cv.pdf", "archive/u1/cv.pdf"))

	ok, err := store.Exists(ctx, "published/u1/cv.pdf")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = store.Download(ctx, "archive/u1/cv.pdf")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	err = store.Copy(ctx, "drafts/ghost.pdf", "anywhere/x.pdf")
	require.Error(t, err)
	assert.Equal(t, domain.CodeFileNotFound, domain.AsAppError(err).Code)
}

func TestLocalStore_SignedURL(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upload(ctx, []byte("x"), "uploads/u1/cv.pdf", domain.UploadOptions{})
	require.NoError(t, err)

	url, err := store.SignedURL(ctx, "uploads/u1/cv.pdf", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.True(t, strings.HasSuffix(url, "objects/uploads/u1/cv.pdf"))

	_, err = store.SignedURL(ctx, "uploads/ghost.pdf", time.Minute)
	require.Error(t, err)
	assert.Equal(t, domain.CodeFileNotFound, domain.AsAppError(err).Code)
}
