package gateway

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagerValidate(t *testing.T) {
	s, err := NewStager(t.TempDir(), 8)
	require.NoError(t, err)

	assert.NoError(t, s.Validate("photo.PNG", 1024))
	assert.NoError(t, s.Validate("shot.jpeg", 1024))
	assert.Error(t, s.Validate("script.sh", 10), "non-image must be rejected")
	assert.Error(t, s.Validate("big.png", 9*1024*1024), "over size cap must be rejected")
}

func TestStageDownloadsAndNames(t *testing.T) {
	payload := []byte("fake-png-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := NewStager(dir, 8)
	require.NoError(t, err)

	img, err := s.Stage(srv.URL, "cat.png", int64(len(payload)))
	require.NoError(t, err)

	assert.Equal(t, "cat.png", img.OriginalName)
	assert.Equal(t, int64(len(payload)), img.Size)
	assert.True(t, strings.HasPrefix(filepath.Base(img.Path), "IMG_"))
	assert.True(t, strings.HasSuffix(img.Path, ".png"))

	data, err := os.ReadFile(img.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// No .part leftovers
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".part"))
	}
}

func TestStageUniqueNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	s, err := NewStager(t.TempDir(), 8)
	require.NoError(t, err)

	a, err := s.Stage(srv.URL, "same.png", 1)
	require.NoError(t, err)
	b, err := s.Stage(srv.URL, "same.png", 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path)
}

func TestStageHTTPErrorLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := NewStager(dir, 8)
	require.NoError(t, err)

	_, err = s.Stage(srv.URL, "cat.png", 1)
	require.Error(t, err)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestCleanupOld(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStager(dir, 8)
	require.NoError(t, err)

	oldFile := filepath.Join(dir, "IMG_old.png")
	newFile := filepath.Join(dir, "IMG_new.png")
	other := filepath.Join(dir, "notes.txt")
	for _, f := range []string{oldFile, newFile, other} {
		require.NoError(t, os.WriteFile(f, []byte("x"), 0644))
	}
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldFile, past, past))

	deleted, err := s.CleanupOld(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	assert.NoFileExists(t, oldFile)
	assert.FileExists(t, newFile)
	assert.FileExists(t, other, "non-staged files are untouched")
}
