package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-civitai-manager/internal/database"
	"go-civitai-manager/internal/models"
)

func openLedger(t *testing.T) *database.Ledger {
	t.Helper()
	l, err := database.Open(filepath.Join(t.TempDir(), "manager.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func record(t *testing.T, l *database.Ledger, modelID, versionID int, path, status, sha string) {
	t.Helper()
	m := models.Model{ID: modelID, Name: "M", Type: "LORA", Tags: []string{"style"}}
	v := models.ModelVersion{ID: versionID, ModelId: modelID, Name: "v1"}
	require.NoError(t, l.RecordDownload(m, v, path, 1, status, filepath.Base(path), sha, ""))
}

func shaOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestReconcileMarksMissingAndRestored(t *testing.T) {
	l := openLedger(t)
	dir := t.TempDir()

	gone := filepath.Join(dir, "gone.safetensors")
	present := filepath.Join(dir, "present.safetensors")
	require.NoError(t, os.WriteFile(present, []byte("here"), 0600))

	record(t, l, 1, 11, gone, models.StatusCompleted, "")
	record(t, l, 2, 21, present, models.StatusMissing, "")
	record(t, l, 3, 31, present, models.StatusImported, "")

	e := &Engine{Ledger: l}
	counts, err := e.Reconcile(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Missing)
	assert.Equal(t, 2, counts.Restored)

	byVersion := map[int]string{}
	history, err := l.GetDownloadHistory()
	require.NoError(t, err)
	for _, rec := range history {
		byVersion[rec.VersionID] = rec.Status
	}
	assert.Equal(t, models.StatusMissing, byVersion[11])
	assert.Equal(t, models.StatusCompleted, byVersion[21])
	assert.Equal(t, models.StatusCompleted, byVersion[31])
}

func TestReconcileRecoversRenamedFileByHash(t *testing.T) {
	l := openLedger(t)
	dir := t.TempDir()

	content := []byte("model weights v1")
	oldPath := filepath.Join(dir, "old_name.safetensors")
	newPath := filepath.Join(dir, "sub", "renamed.safetensors")
	require.NoError(t, os.MkdirAll(filepath.Dir(newPath), 0700))
	require.NoError(t, os.WriteFile(newPath, content, 0600))
	// A decoy with the right extension but the wrong content.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "decoy.safetensors"), []byte("other"), 0600))
	// A file type outside the scan set is never hashed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("text"), 0600))

	record(t, l, 1, 11, oldPath, models.StatusCompleted, shaOf(content))

	e := &Engine{Ledger: l}
	counts, err := e.Reconcile(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Missing)
	assert.Equal(t, 1, counts.RenamedRestored)
	assert.GreaterOrEqual(t, counts.ScannedFiles, 3)
	assert.Equal(t, 2, counts.HashedFiles, "only model file extensions get hashed")

	history, err := l.GetDownloadHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusCompleted, history[0].Status)
	assert.Equal(t, newPath, history[0].FilePath)
	assert.Equal(t, 1, history[0].Restored)
}

func TestReconcileMissingWithoutHashStaysMissing(t *testing.T) {
	l := openLedger(t)
	dir := t.TempDir()

	record(t, l, 1, 11, filepath.Join(dir, "gone.safetensors"), models.StatusCompleted, "")

	e := &Engine{Ledger: l}
	counts, err := e.Reconcile(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Missing)
	assert.Zero(t, counts.RenamedRestored)
	// Nothing to look for, so the scan never ran.
	assert.Zero(t, counts.ScannedFiles)
}

func TestReconcileCancellation(t *testing.T) {
	l := openLedger(t)
	record(t, l, 1, 11, filepath.Join(t.TempDir(), "gone.safetensors"), models.StatusCompleted, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := &Engine{Ledger: l}
	_, err := e.Reconcile(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}
