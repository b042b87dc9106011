// Package recovery registers existing model files on disk with the ledger
// by looking their content hashes up in the Civitai catalog.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"go-civitai-manager/internal/api"
	"go-civitai-manager/internal/database"
	"go-civitai-manager/internal/enrich"
	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/imgutil"
	"go-civitai-manager/internal/models"
)

// scanExtensions are the file types considered recoverable model files.
var scanExtensions = map[string]struct{}{
	".safetensors": {},
	".ckpt":        {},
	".pt":          {},
	".pth":         {},
	".bin":         {},
}

const maxRecoveryImages = 5

// Outcome classifies what happened to one scanned file.
type Outcome string

const (
	OutcomeSuccess   Outcome = "Success"
	OutcomeFailed    Outcome = "Failed"
	OutcomeSkipped   Outcome = "Skipped"
	OutcomeDuplicate Outcome = "Duplicate"
)

// FileResult is the per-file outcome of a recovery run.
type FileResult struct {
	Path    string
	Outcome Outcome
	Message string
}

// Summary aggregates a recovery run.
type Summary struct {
	Successful int
	Failed     int
	Skipped    int
	Duplicates int
	Results    []FileResult
}

// Catalog resolves file hashes to Civitai metadata. Satisfied by
// *api.Client.
type Catalog interface {
	GetModelVersionByHash(hash string) (models.ModelVersion, error)
	GetModel(modelID int) (models.Model, error)
}

// Reporter receives per-file progress. All methods may be called from the
// recovery goroutine; a nil Reporter disables reporting.
type Reporter interface {
	FileStarted(path string)
	FileFinished(result FileResult)
}

// Engine scans a folder and registers recognized model files.
type Engine struct {
	Ledger       *database.Ledger
	Catalog      Catalog
	HttpClient   *http.Client
	ImagesRoot   string
	PriorityTags []string
	Reporter     Reporter
}

// Run scans folder for model files and registers each one whose hash is
// known to Civitai. The whole run happens inside one ledger transaction:
// cancellation rolls everything back, normal completion commits.
func (e *Engine) Run(ctx context.Context, folder string) (Summary, error) {
	var sum Summary

	files, err := e.collectFiles(folder)
	if err != nil {
		return sum, err
	}
	log.Infof("Found %d candidate file(s) in %s", len(files), folder)

	existing, err := e.Ledger.ExistingHashes()
	if err != nil {
		return sum, err
	}

	if err := e.Ledger.BeginTransaction(); err != nil {
		return sum, err
	}

	seen := make(map[string]string) // hash -> first path seen in this run
	for _, path := range files {
		if ctx.Err() != nil {
			log.Warn("Recovery cancelled, rolling back")
			if rbErr := e.Ledger.RollbackTransaction(); rbErr != nil {
				log.WithError(rbErr).Error("Rollback failed")
			}
			return sum, ctx.Err()
		}
		if e.Reporter != nil {
			e.Reporter.FileStarted(path)
		}
		result := e.processFile(ctx, path, existing, seen)
		switch result.Outcome {
		case OutcomeSuccess:
			sum.Successful++
		case OutcomeFailed:
			sum.Failed++
		case OutcomeSkipped:
			sum.Skipped++
		case OutcomeDuplicate:
			sum.Duplicates++
		}
		sum.Results = append(sum.Results, result)
		if e.Reporter != nil {
			e.Reporter.FileFinished(result)
		}
	}

	if err := e.Ledger.CommitTransaction(); err != nil {
		return sum, fmt.Errorf("committing recovery transaction: %w", err)
	}
	return sum, nil
}

func (e *Engine) collectFiles(folder string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := scanExtensions[strings.ToLower(filepath.Ext(path))]; ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", folder, err)
	}
	sort.Strings(files)
	return files, nil
}

func (e *Engine) processFile(ctx context.Context, path string, existing map[string]struct{}, seen map[string]string) FileResult {
	fail := func(msg string) FileResult {
		return FileResult{Path: path, Outcome: OutcomeFailed, Message: msg}
	}

	hash, err := helpers.FileSHA256(path)
	if err != nil {
		log.WithError(err).Errorf("Failed to hash %s", path)
		return fail("Could not calculate file hash")
	}
	if first, dup := seen[hash]; dup {
		return FileResult{Path: path, Outcome: OutcomeDuplicate,
			Message: fmt.Sprintf("Duplicate of %s", filepath.Base(first))}
	}
	seen[hash] = path
	if _, known := existing[hash]; known {
		return FileResult{Path: path, Outcome: OutcomeSkipped, Message: "Already registered in database"}
	}

	version, err := e.Catalog.GetModelVersionByHash(hash)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return fail("Model not found in CivitAI database")
		}
		log.WithError(err).Errorf("Hash lookup failed for %s", path)
		return fail("Hash lookup failed")
	}

	modelID := version.ModelId
	if modelID == 0 {
		modelID = version.Model.ID
	}
	if modelID == 0 {
		return fail("Version metadata is missing the model id")
	}

	model, err := e.Catalog.GetModel(modelID)
	if err != nil {
		// The version payload carries a model stub, enough to register.
		log.WithError(err).Warnf("Falling back to embedded model stub for model %d", modelID)
		model = models.Model{
			ID:   modelID,
			Name: version.Model.Name,
			Type: version.Model.Type,
			Nsfw: version.Model.Nsfw,
			Poi:  version.Model.Poi,
		}
	}

	if e.Ledger.HasDownloadRecord(modelID, version.ID) {
		return FileResult{Path: path, Outcome: OutcomeSkipped, Message: "Model already registered in database"}
	}

	if version.ModelId == 0 {
		version.ModelId = modelID
	}
	if err := e.Ledger.UpsertModel(model); err != nil {
		log.WithError(err).Errorf("Failed to store model %d", modelID)
		return fail("Could not store model metadata")
	}
	if err := e.Ledger.UpsertVersion(version); err != nil {
		log.WithError(err).Errorf("Failed to store version %d", version.ID)
		return fail("Could not store version metadata")
	}

	e.fetchImages(ctx, model, version)

	info, err := os.Stat(path)
	if err != nil {
		return fail("Could not stat file")
	}
	sizeMB := float64(info.Size()) / 1024 / 1024
	primaryTag := enrich.PrimaryTag(model.Tags, e.PriorityTags)
	err = e.Ledger.RecordDownload(model, version, path, sizeMB,
		models.StatusCompleted, filepath.Base(path), hash, primaryTag)
	if err != nil {
		log.WithError(err).Errorf("Failed to record recovered file %s", path)
		return fail("Could not record download")
	}

	existing[hash] = struct{}{}
	return FileResult{Path: path, Outcome: OutcomeSuccess, Message: fmt.Sprintf("Registered as %s / %s", model.Name, version.Name)}
}

// fetchImages stores a handful of gallery images for a recovered model.
// Failures only cost the thumbnails, never the recovery itself.
func (e *Engine) fetchImages(ctx context.Context, model models.Model, version models.ModelVersion) {
	var candidates []models.ModelImage
	for _, v := range model.ModelVersions {
		candidates = append(candidates, v.Images...)
	}
	candidates = append(candidates, version.Images...)

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
		if len(urls) >= maxRecoveryImages {
			break
		}
	}
	if len(urls) == 0 {
		return
	}

	dir := filepath.Join(e.ImagesRoot, fmt.Sprintf("%s_%d", helpers.SanitizeName(model.Name), model.ID))
	if !helpers.CheckAndMakeDir(dir) {
		log.Errorf("Failed to create images directory %s", dir)
		return
	}

	client := e.HttpClient
	if client == nil {
		client = http.DefaultClient
	}
	for i, url := range urls {
		if ctx.Err() != nil {
			return
		}
		content, contentType, err := fetchURL(ctx, client, url)
		if err != nil {
			log.WithError(err).Warnf("Failed to fetch image %s", url)
			continue
		}
		processed, ext := imgutil.Process(content, imgutil.ExtForContentType(contentType), imgutil.RecoveryMaxImageArea)
		path := filepath.Join(dir, fmt.Sprintf("image_%d%s", i, ext))
		if err := os.WriteFile(path, processed, 0600); err != nil {
			log.WithError(err).Warnf("Failed to write image %s", path)
			continue
		}
		if err := e.Ledger.StoreImage(model.ID, version.ID, url, path, i, ext == ".gif"); err != nil {
			log.WithError(err).Warnf("Failed to store image row for %s", url)
		}
	}
}

func fetchURL(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	return body, resp.Header.Get("Content-Type"), err
}
