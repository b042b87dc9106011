package enrich

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-civitai-manager/internal/database"
	"go-civitai-manager/internal/downloader"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/scheduler"
)

func TestPrimaryTag(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want string
	}{
		{"priority order wins", []string{"anime", "Style", "character"}, "character"},
		{"case insensitive", []string{"MEME"}, "MEME"},
		{"fallback to first tag", []string{"anime", "photorealistic"}, "anime"},
		{"no tags", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PrimaryTag(tt.tags, nil))
		})
	}
}

func TestSelectImageURLs(t *testing.T) {
	version := models.ModelVersion{
		ID: 1,
		Images: []models.ModelImage{
			{URL: "https://cdn.example.com/a.jpeg"},
			{URL: "https://cdn.example.com/clip.mp4"},
			{URL: "https://cdn.example.com/a.jpeg"}, // duplicate
			{URL: "https://cdn.example.com/b.png"},
			{URL: "https://cdn.example.com/c.png"},
		},
	}
	urls := selectImageURLs(models.Model{}, version, 2)
	assert.Equal(t, []string{"https://cdn.example.com/a.jpeg", "https://cdn.example.com/b.png"}, urls)

	// Model gallery is only consulted when the version has no images.
	model := models.Model{ModelVersions: []models.ModelVersion{
		{Images: []models.ModelImage{{URL: "https://cdn.example.com/model.jpeg"}}},
	}}
	urls = selectImageURLs(model, models.ModelVersion{ID: 2}, 5)
	assert.Equal(t, []string{"https://cdn.example.com/model.jpeg"}, urls)
}

func smallPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEnrichRecordsAndFetchesImages(t *testing.T) {
	imageData := smallPNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.png" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(imageData)
	}))
	defer srv.Close()

	dir := t.TempDir()
	ledger, err := database.Open(filepath.Join(dir, "manager.db"))
	require.NoError(t, err)
	defer ledger.Close()

	model := models.Model{ID: 100, Name: "Test: Model?", Type: "LORA", Tags: []string{"anime", "style"}}
	version := models.ModelVersion{
		ID:   1001,
		Name: "v1.0",
		Images: []models.ModelImage{
			{URL: srv.URL + "/one.png"},
			{URL: srv.URL + "/broken.png"},
			{URL: srv.URL + "/two.png"},
		},
		Files: []models.File{{Name: "test.safetensors", Type: "Model", SizeKB: 4, Primary: true}},
	}

	p := &Pipeline{
		Ledger:     ledger,
		HttpClient: srv.Client(),
		ImagesRoot: filepath.Join(dir, "images"),
		MaxImages:  5,
	}

	modelPath := filepath.Join(dir, "test.safetensors")
	require.NoError(t, os.WriteFile(modelPath, []byte("weights"), 0600))

	err = p.Enrich(context.Background(),
		scheduler.Request{Model: model, Version: version, TargetPath: modelPath},
		downloader.Result{FilePath: modelPath, SizeBytes: 7, SHA256: "AAA"})
	require.NoError(t, err)

	history, err := ledger.GetDownloadHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusCompleted, history[0].Status)
	assert.Equal(t, "style", history[0].MainTag, "priority tag should beat tag order")

	// The broken image is skipped, the two good ones land on disk.
	downloaded, err := ledger.GetDownloadedModels()
	require.NoError(t, err)
	require.Len(t, downloaded, 1)
	require.Len(t, downloaded[0].Images, 2)
	for _, p := range downloaded[0].Images {
		assert.FileExists(t, p)
		assert.Contains(t, filepath.Base(p), "v1001_img_")
	}

	// Illegal filename characters are sanitized out of the directory name.
	assert.NotContains(t, filepath.Base(filepath.Dir(downloaded[0].Images[0])), "?")

	// Running again must not duplicate the history row.
	err = p.Enrich(context.Background(),
		scheduler.Request{Model: model, Version: version, TargetPath: modelPath},
		downloader.Result{FilePath: modelPath, SizeBytes: 7, SHA256: "AAA"})
	require.NoError(t, err)
	history, err = ledger.GetDownloadHistory()
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
