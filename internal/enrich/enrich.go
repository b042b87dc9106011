// Package enrich runs the post-download pipeline: history recording,
// catalog persistence, gallery image fetching and search indexing.
package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-civitai-manager/index"
	"go-civitai-manager/internal/database"
	"go-civitai-manager/internal/downloader"
	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/imgutil"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/scheduler"
)

// DefaultPriorityTags orders the tags considered when picking a model's
// main organizational tag.
var DefaultPriorityTags = []string{"meme", "concept", "character", "style", "clothing", "pose"}

// PrimaryTag picks the first model tag found in the priority list,
// case-insensitively, falling back to the model's first tag.
func PrimaryTag(tags, priority []string) string {
	if len(priority) == 0 {
		priority = DefaultPriorityTags
	}
	for _, want := range priority {
		for _, tag := range tags {
			if strings.EqualFold(tag, want) {
				return tag
			}
		}
	}
	if len(tags) > 0 {
		return tags[0]
	}
	return ""
}

// Pipeline persists a completed download and fetches its gallery images.
// It satisfies scheduler.Enricher; Index may be nil when local search is
// disabled.
type Pipeline struct {
	Ledger       *database.Ledger
	HttpClient   *http.Client
	Index        bleve.Index
	ImagesRoot   string
	MaxImages    int
	MaxImageArea int
	PriorityTags []string
}

// Enrich records the download, stores model and version metadata, fetches
// up to MaxImages gallery images and updates the search index. Per-image
// failures are logged and skipped; the file itself is already safe on disk.
func (p *Pipeline) Enrich(ctx context.Context, req scheduler.Request, res downloader.Result) error {
	model := req.Model
	version := req.Version

	mainTag := req.PrimaryTag
	if mainTag == "" {
		mainTag = PrimaryTag(model.Tags, p.PriorityTags)
	}

	sizeMB := float64(res.SizeBytes) / 1024 / 1024
	if p.Ledger.IsModelDownloaded(model.ID, version.ID, res.FilePath) {
		log.Debugf("Download of %d/%d already recorded", model.ID, version.ID)
	} else {
		err := p.Ledger.RecordDownload(model, version, res.FilePath, sizeMB,
			models.StatusCompleted, filepath.Base(res.FilePath), res.SHA256, mainTag)
		if err != nil {
			return fmt.Errorf("recording download: %w", err)
		}
	}

	if err := p.Ledger.UpsertModel(model); err != nil {
		return fmt.Errorf("storing model %d: %w", model.ID, err)
	}
	if version.ModelId == 0 {
		version.ModelId = model.ID
	}
	if err := p.Ledger.UpsertVersion(version); err != nil {
		return fmt.Errorf("storing version %d: %w", version.ID, err)
	}

	file := version.PrimaryFile()
	if file == nil {
		file = &models.File{
			Name:   filepath.Base(res.FilePath),
			Type:   "Model",
			SizeKB: float64(res.SizeBytes) / 1024,
		}
	}
	if err := p.Ledger.InsertFile(version.ID, *file, res.FilePath); err != nil {
		log.WithError(err).Warnf("Failed to store file row for version %d", version.ID)
	}

	paths := p.fetchImages(ctx, model, version)
	if len(paths) > 0 {
		if err := p.Ledger.ReplaceVersionImages(model.ID, version.ID, paths); err != nil {
			log.WithError(err).Warnf("Failed to store image rows for version %d", version.ID)
		}
	}

	if p.Index != nil {
		if err := index.IndexItem(p.Index, index.ItemFor(model, version, res.FilePath, mainTag)); err != nil {
			log.WithError(err).Warnf("Failed to index version %d", version.ID)
		}
	}
	return nil
}

// selectImageURLs picks gallery URLs for a version: version images first,
// the model's other versions only when the version has none. Video entries
// are skipped, duplicates dropped, and the result capped at max.
func selectImageURLs(model models.Model, version models.ModelVersion, max int) []string {
	var candidates []models.ModelImage
	if len(version.Images) > 0 {
		candidates = version.Images
	} else {
		for _, v := range model.ModelVersions {
			candidates = append(candidates, v.Images...)
		}
	}

	seen := make(map[string]struct{})
	var urls []string
	for _, img := range candidates {
		if img.URL == "" || imgutil.IsVideoURL(img.URL) {
			continue
		}
		if _, dup := seen[img.URL]; dup {
			continue
		}
		seen[img.URL] = struct{}{}
		urls = append(urls, img.URL)
		if len(urls) >= max {
			break
		}
	}
	return urls
}

// fetchImages downloads and normalizes gallery images into
// <ImagesRoot>/<model-name>_<model-id>/, returning the local paths written.
func (p *Pipeline) fetchImages(ctx context.Context, model models.Model, version models.ModelVersion) []string {
	maxImages := p.MaxImages
	if maxImages <= 0 {
		maxImages = 5
	}
	urls := selectImageURLs(model, version, maxImages)
	if len(urls) == 0 {
		return nil
	}

	dir := filepath.Join(p.ImagesRoot, fmt.Sprintf("%s_%d", helpers.SanitizeName(model.Name), model.ID))
	if !helpers.CheckAndMakeDir(dir) {
		log.Errorf("Failed to create images directory %s", dir)
		return nil
	}

	maxArea := p.MaxImageArea
	if maxArea <= 0 {
		maxArea = imgutil.MaxImageArea
	}

	var paths []string
	for i, url := range urls {
		if ctx.Err() != nil {
			break
		}
		content, err := p.fetchImage(ctx, url)
		if err != nil {
			log.WithError(err).Warnf("Failed to fetch gallery image %s", url)
			continue
		}
		processed, ext := imgutil.Process(content, imgutil.ExtFromURL(url), maxArea)
		path := filepath.Join(dir, fmt.Sprintf("v%d_img_%d%s", version.ID, i+1, ext))
		if err := os.WriteFile(path, processed, 0600); err != nil {
			log.WithError(err).Warnf("Failed to write gallery image %s", path)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func (p *Pipeline) fetchImage(ctx context.Context, url string) ([]byte, error) {
	client := p.HttpClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
