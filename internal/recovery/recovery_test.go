package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-civitai-manager/internal/api"
	"go-civitai-manager/internal/database"
	"go-civitai-manager/internal/models"
)

type fakeCatalog struct {
	versionsByHash map[string]models.ModelVersion
	modelsByID     map[int]models.Model
	modelErr       error
}

func (c *fakeCatalog) GetModelVersionByHash(hash string) (models.ModelVersion, error) {
	if v, ok := c.versionsByHash[strings.ToUpper(hash)]; ok {
		return v, nil
	}
	return models.ModelVersion{}, api.ErrNotFound
}

func (c *fakeCatalog) GetModel(modelID int) (models.Model, error) {
	if c.modelErr != nil {
		return models.Model{}, c.modelErr
	}
	if m, ok := c.modelsByID[modelID]; ok {
		return m, nil
	}
	return models.Model{}, api.ErrNotFound
}

func shaUpper(b []byte) string {
	sum := sha256.Sum256(b)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func openLedger(t *testing.T) *database.Ledger {
	t.Helper()
	l, err := database.Open(filepath.Join(t.TempDir(), "manager.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestRecoveryRegistersKnownFiles(t *testing.T) {
	l := openLedger(t)
	dir := t.TempDir()

	known := []byte("known model weights")
	writeFile(t, dir, "found.safetensors", known)
	writeFile(t, dir, "unknown.ckpt", []byte("nobody knows this"))
	writeFile(t, dir, "copy.pt", known) // same content, duplicate
	writeFile(t, dir, "readme.txt", []byte("not a model"))

	catalog := &fakeCatalog{
		versionsByHash: map[string]models.ModelVersion{
			shaUpper(known): {ID: 501, ModelId: 50, Name: "v2"},
		},
		modelsByID: map[int]models.Model{
			50: {ID: 50, Name: "Known Model", Type: "LORA", Tags: []string{"anime", "character"}},
		},
	}

	e := &Engine{Ledger: l, Catalog: catalog, ImagesRoot: filepath.Join(dir, "images")}
	sum, err := e.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Successful)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Zero(t, sum.Skipped)
	require.Len(t, sum.Results, 3, "non-model files are never scanned")

	history, err := l.GetDownloadHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusCompleted, history[0].Status)
	assert.Equal(t, 50, history[0].ModelID)
	assert.Equal(t, "character", history[0].MainTag)
	assert.Equal(t, shaUpper(known), history[0].SHA256)
	// Files are processed in sorted order, so the .pt copy wins.
	assert.Equal(t, "copy.pt", history[0].OriginalFileName)

	for _, r := range sum.Results {
		if r.Outcome == OutcomeDuplicate {
			assert.Equal(t, "Duplicate of copy.pt", r.Message)
		}
	}
}

func TestRecoverySkipsAlreadyRegisteredHash(t *testing.T) {
	l := openLedger(t)
	dir := t.TempDir()

	content := []byte("registered weights")
	path := writeFile(t, dir, "model.safetensors", content)

	m := models.Model{ID: 60, Name: "M", Type: "LORA"}
	v := models.ModelVersion{ID: 601, ModelId: 60, Name: "v1"}
	require.NoError(t, l.RecordDownload(m, v, path, 1, models.StatusCompleted, "model.safetensors", shaUpper(content), ""))

	e := &Engine{Ledger: l, Catalog: &fakeCatalog{}}
	sum, err := e.Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, sum.Successful)
	require.Len(t, sum.Results, 1)
	assert.Contains(t, sum.Results[0].Message, "Already registered")
}

func TestRecoveryFallsBackToModelStub(t *testing.T) {
	l := openLedger(t)
	dir := t.TempDir()

	content := []byte("stub weights")
	writeFile(t, dir, "stub.safetensors", content)

	catalog := &fakeCatalog{
		versionsByHash: map[string]models.ModelVersion{
			shaUpper(content): {
				ID: 701, Name: "v1",
				Model: models.BaseModelInfo{ID: 70, Name: "Stub Model", Type: "Checkpoint"},
			},
		},
		modelErr: api.ErrServerError,
	}

	e := &Engine{Ledger: l, Catalog: catalog}
	sum, err := e.Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Successful)

	history, err := l.GetDownloadHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 70, history[0].ModelID)
	assert.Equal(t, "Stub Model", history[0].ModelName)
}

func TestRecoveryCancellationRollsBack(t *testing.T) {
	l := openLedger(t)
	dir := t.TempDir()

	content := []byte("weights")
	writeFile(t, dir, "model.safetensors", content)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := &Engine{Ledger: l, Catalog: &fakeCatalog{}}
	_, err := e.Run(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)

	// Nothing committed.
	history, err := l.GetDownloadHistory()
	require.NoError(t, err)
	assert.Empty(t, history)
}
