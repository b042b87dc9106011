package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-civitai-manager/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Upper(b []byte) string {
	sum := sha256.Sum256(b)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func TestDownloadFileSuccess(t *testing.T) {
	content := []byte("fake model weights")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Disposition", `attachment; filename="served_name.safetensors"`)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewDownloader(srv.Client(), "key123")

	var lastReceived int64
	res, err := d.DownloadFile(context.Background(),
		filepath.Join(dir, "requested.safetensors"), srv.URL,
		models.Hashes{SHA256: sha256Upper(content)},
		func(received, total int64) { lastReceived = received })
	require.NoError(t, err)

	// Content-Disposition name wins over the constructed one.
	assert.Equal(t, filepath.Join(dir, "served_name.safetensors"), res.FilePath)
	assert.Equal(t, int64(len(content)), res.SizeBytes)
	assert.Equal(t, sha256Upper(content), res.SHA256)
	assert.Equal(t, int64(len(content)), lastReceived)

	onDisk, err := os.ReadFile(res.FilePath)
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDownloadFileHashMismatchLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("corrupted"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewDownloader(srv.Client(), "")

	_, err := d.DownloadFile(context.Background(),
		filepath.Join(dir, "model.safetensors"), srv.URL,
		models.Hashes{SHA256: strings.Repeat("A", 64)}, nil)
	assert.ErrorIs(t, err, ErrHashMismatch)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed download must not leave partial files")
}

func TestDownloadFileCancellation(t *testing.T) {
	blob := make([]byte, 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "131072")
		_, _ = w.Write(blob)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewDownloader(srv.Client(), "")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := d.DownloadFile(ctx,
		filepath.Join(dir, "model.safetensors"), srv.URL,
		models.Hashes{}, func(received, total int64) {
			if received >= int64(len(blob)) {
				cancel()
			}
		})
	assert.ErrorIs(t, err, ErrCancelled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "cancelled download must not leave partial files")
}

func TestDownloadFileBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewDownloader(srv.Client(), "")
	_, err := d.DownloadFile(context.Background(),
		filepath.Join(t.TempDir(), "model.safetensors"), srv.URL, models.Hashes{}, nil)
	assert.ErrorIs(t, err, ErrHttpStatus)
}

func TestDownloadFileSkipsValidExisting(t *testing.T) {
	content := []byte("already here")
	dir := t.TempDir()
	existing := filepath.Join(dir, "model.safetensors")
	require.NoError(t, os.WriteFile(existing, content, 0600))

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	d := NewDownloader(srv.Client(), "")
	res, err := d.DownloadFile(context.Background(), existing, srv.URL,
		models.Hashes{SHA256: sha256Upper(content)}, nil)
	require.NoError(t, err)
	assert.Equal(t, existing, res.FilePath)
	assert.Equal(t, sha256Upper(content), res.SHA256)
	assert.Zero(t, requests, "no request should be made when a valid file exists")
}
