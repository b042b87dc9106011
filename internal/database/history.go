package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go-civitai-manager/internal/models"

	log "github.com/sirupsen/logrus"
)

const exportImagesPerModel = 10
const exportTagsPerModel = 25

// ExportImage is one gallery image reference carried in a history export.
type ExportImage struct {
	URL      string `json:"url"`
	Position int    `json:"position"`
	IsGif    bool   `json:"is_gif"`
}

// ExportModelInfo is the slim model summary carried by a minimal export.
type ExportModelInfo struct {
	BaseModel   string   `json:"base_model,omitempty"`
	URL         string   `json:"url,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	PublishedAt string   `json:"published_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

// ExportVersionInfo is the slim version summary carried by a minimal export.
type ExportVersionInfo struct {
	PublishedAt  string   `json:"published_at,omitempty"`
	UpdatedAt    string   `json:"updated_at,omitempty"`
	TrainedWords []string `json:"trained_words,omitempty"`
}

// HistoryExportItem is one download record with enough catalog context to
// rebuild the record on another machine.
type HistoryExportItem struct {
	DownloadRecord
	ModelMetadata   json.RawMessage    `json:"model_metadata,omitempty"`
	VersionMetadata json.RawMessage    `json:"version_metadata,omitempty"`
	Images          []ExportImage      `json:"images,omitempty"`
	ModelInfo       *ExportModelInfo   `json:"model_info,omitempty"`
	VersionInfo     *ExportVersionInfo `json:"version_info,omitempty"`
}

// ImportSummary counts what ImportHistory did with each incoming record.
type ImportSummary struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// FullExport returns every download record together with the stored model
// and version metadata blobs and up to ten gallery image references. The
// export carries local file paths, so it only makes sense on the same host.
func (l *Ledger) FullExport() ([]HistoryExportItem, error) {
	records, err := l.GetDownloadHistory()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]HistoryExportItem, 0, len(records))
	for _, rec := range records {
		item := HistoryExportItem{DownloadRecord: rec}

		var modelMeta, versionMeta sql.NullString
		if err := l.q().QueryRow(`SELECT metadata FROM models WHERE model_id = ?`, rec.ModelID).Scan(&modelMeta); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reading model metadata for %d: %w", rec.ModelID, err)
		}
		if err := l.q().QueryRow(`SELECT metadata FROM versions WHERE version_id = ?`, rec.VersionID).Scan(&versionMeta); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reading version metadata for %d: %w", rec.VersionID, err)
		}
		if modelMeta.Valid && modelMeta.String != "" {
			item.ModelMetadata = json.RawMessage(modelMeta.String)
		}
		if versionMeta.Valid && versionMeta.String != "" {
			item.VersionMetadata = json.RawMessage(versionMeta.String)
		}

		rows, err := l.q().Query(`
			SELECT url, position, is_gif FROM images
			WHERE model_id = ? ORDER BY position LIMIT ?`,
			rec.ModelID, exportImagesPerModel)
		if err != nil {
			return nil, fmt.Errorf("reading images for model %d: %w", rec.ModelID, err)
		}
		for rows.Next() {
			var img ExportImage
			var isGif int
			if err := rows.Scan(&img.URL, &img.Position, &isGif); err != nil {
				rows.Close()
				return nil, err
			}
			img.IsGif = isGif != 0
			item.Images = append(item.Images, img)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		out = append(out, item)
	}
	return out, nil
}

// MinimalExport returns the download history without local paths or image
// references, carrying only slim model and version summaries. Suitable for
// seeding a ledger on a different machine.
func (l *Ledger) MinimalExport() ([]HistoryExportItem, error) {
	records, err := l.GetDownloadHistory()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]HistoryExportItem, 0, len(records))
	for _, rec := range records {
		rec.FilePath = ""
		item := HistoryExportItem{DownloadRecord: rec}

		var baseModel, url, tagsJSON, mPub, mUpd sql.NullString
		err := l.q().QueryRow(`
			SELECT base_model, url, tags, published_at, updated_at
			FROM models WHERE model_id = ?`, rec.ModelID).
			Scan(&baseModel, &url, &tagsJSON, &mPub, &mUpd)
		if err == nil {
			info := &ExportModelInfo{
				BaseModel:   baseModel.String,
				URL:         url.String,
				PublishedAt: mPub.String,
				UpdatedAt:   mUpd.String,
			}
			if tagsJSON.String != "" {
				var tags []string
				if err := json.Unmarshal([]byte(tagsJSON.String), &tags); err == nil {
					if len(tags) > exportTagsPerModel {
						tags = tags[:exportTagsPerModel]
					}
					info.Tags = tags
				}
			}
			item.ModelInfo = info
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reading model summary for %d: %w", rec.ModelID, err)
		}

		var vPub, vUpd, trained sql.NullString
		err = l.q().QueryRow(`
			SELECT published_at, updated_at, trained_words
			FROM versions WHERE version_id = ?`, rec.VersionID).
			Scan(&vPub, &vUpd, &trained)
		if err == nil {
			info := &ExportVersionInfo{PublishedAt: vPub.String, UpdatedAt: vUpd.String}
			if trained.String != "" {
				var words []string
				if err := json.Unmarshal([]byte(trained.String), &words); err == nil {
					info.TrainedWords = words
				}
			}
			item.VersionInfo = info
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reading version summary for %d: %w", rec.VersionID, err)
		}

		out = append(out, item)
	}
	return out, nil
}

// ImportHistory merges exported records into the ledger.
//
// A Completed record arriving without a file path becomes Imported, since
// the file is not on this machine. Records matching an existing row for the
// same version by hash are deduplicated: a Completed arrival may upgrade an
// Imported or Missing row in place, otherwise the existing row wins. Records
// with a different hash are a different artifact and insert a new row.
func (l *Ledger) ImportHistory(items []HistoryExportItem) (ImportSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sum ImportSummary
	for _, item := range items {
		if err := l.importCatalogContext(item); err != nil {
			log.WithError(err).Warnf("Failed to import catalog context for model %d", item.ModelID)
		}

		rec := item.DownloadRecord
		if rec.Status == models.StatusCompleted && rec.FilePath == "" {
			rec.Status = models.StatusImported
		}
		if !models.IsAllowedStatus(rec.Status) && rec.Status != models.StatusDeleted {
			rec.Status = models.StatusFailed
		}

		var exID int64
		var exStatus string
		var exSHA, exPath sql.NullString
		err := l.q().QueryRow(`
			SELECT id, status, file_sha256, file_path FROM downloads
			WHERE model_id = ? AND version_id = ?
			ORDER BY download_date DESC LIMIT 1`,
			rec.ModelID, rec.VersionID).Scan(&exID, &exStatus, &exSHA, &exPath)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// no existing record, insert below
		case err != nil:
			return sum, fmt.Errorf("checking existing record for %d/%d: %w", rec.ModelID, rec.VersionID, err)
		default:
			sameHash := strings.EqualFold(exSHA.String, rec.SHA256)
			if sameHash {
				upgradeable := exStatus == models.StatusImported || exStatus == models.StatusMissing
				if upgradeable && rec.Status == models.StatusCompleted && rec.FilePath != "" {
					_, err := l.q().Exec(`
						UPDATE downloads SET status = ?, file_path = ?, file_size = ?, file_sha256 = ?, restored = 1
						WHERE id = ?`,
						models.StatusCompleted, rec.FilePath, rec.FileSizeMB, rec.SHA256, exID)
					if err != nil {
						return sum, fmt.Errorf("upgrading record %d: %w", exID, err)
					}
					sum.Updated++
					continue
				}
				sum.Skipped++
				continue
			}
		}

		_, err = l.q().Exec(`
			INSERT INTO downloads (
				model_id, model_name, model_type, version, version_id, main_tag,
				download_date, original_file_name, file_path, file_size, status, file_sha256, restored
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ModelID, rec.ModelName, rec.ModelType, rec.VersionName, rec.VersionID, rec.MainTag,
			rec.DownloadDate, rec.OriginalFileName, rec.FilePath, rec.FileSizeMB, rec.Status, rec.SHA256, rec.Restored)
		if err != nil {
			return sum, fmt.Errorf("inserting imported record for %d/%d: %w", rec.ModelID, rec.VersionID, err)
		}
		sum.Inserted++
	}
	return sum, nil
}

// importCatalogContext rebuilds model, version and image rows from an export
// item. Full metadata blobs win over the minimal summaries. Lock must be
// held.
func (l *Ledger) importCatalogContext(item HistoryExportItem) error {
	if len(item.ModelMetadata) > 0 {
		var m models.Model
		if err := json.Unmarshal(item.ModelMetadata, &m); err == nil && m.ID != 0 {
			if err := l.upsertModel(m); err != nil {
				return err
			}
		}
	} else if item.ModelInfo != nil {
		info := item.ModelInfo
		tagsJSON, _ := json.Marshal(info.Tags)
		_, err := l.q().Exec(`
			INSERT INTO models (model_id, name, type, base_model, url, tags, published_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(model_id) DO NOTHING`,
			item.ModelID, item.ModelName, item.ModelType,
			info.BaseModel, info.URL, string(tagsJSON), info.PublishedAt, info.UpdatedAt)
		if err != nil {
			return err
		}
	}

	if len(item.VersionMetadata) > 0 {
		var v models.ModelVersion
		if err := json.Unmarshal(item.VersionMetadata, &v); err == nil && v.ID != 0 {
			if v.ModelId == 0 {
				v.ModelId = item.ModelID
			}
			if err := l.upsertVersion(v); err != nil {
				return err
			}
		}
	} else if item.VersionInfo != nil {
		info := item.VersionInfo
		wordsJSON, _ := json.Marshal(info.TrainedWords)
		_, err := l.q().Exec(`
			INSERT INTO versions (version_id, model_id, name, published_at, updated_at, trained_words)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(version_id) DO NOTHING`,
			item.VersionID, item.ModelID, item.VersionName, info.PublishedAt, info.UpdatedAt, string(wordsJSON))
		if err != nil {
			return err
		}
	}

	for _, img := range item.Images {
		isGif := 0
		if img.IsGif {
			isGif = 1
		}
		_, err := l.q().Exec(`
			INSERT INTO images (model_id, version_id, url, position, is_gif)
			VALUES (?, ?, ?, ?, ?)`,
			item.ModelID, item.VersionID, img.URL, img.Position, isGif)
		if err != nil {
			return err
		}
	}
	return nil
}
