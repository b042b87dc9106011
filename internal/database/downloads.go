package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go-civitai-manager/internal/models"

	log "github.com/sirupsen/logrus"
)

// DownloadRecord is one row of the downloads history table.
type DownloadRecord struct {
	ID               int64   `json:"id"`
	ModelID          int     `json:"model_id"`
	ModelName        string  `json:"model_name"`
	ModelType        string  `json:"model_type"`
	VersionName      string  `json:"version"`
	VersionID        int     `json:"version_id"`
	MainTag          string  `json:"main_tag"`
	DownloadDate     string  `json:"download_date"`
	OriginalFileName string  `json:"original_file_name"`
	FilePath         string  `json:"file_path"`
	FileSizeMB       float64 `json:"file_size"`
	Status           string  `json:"status"`
	SHA256           string  `json:"file_sha256"`
	Restored         int     `json:"restored"`
}

// RecordDownload writes a download attempt into the history table.
//
// If the latest record for the same (model, version) is a placeholder (an
// Imported or Missing row with no file path), that row is upgraded in place
// to Completed with restored=1 instead of inserting a duplicate. Statuses
// outside the allowed set are coerced to Failed.
func (l *Ledger) RecordDownload(model models.Model, version models.ModelVersion, filePath string, fileSizeMB float64, status, originalFileName, fileSHA256, primaryTag string) error {
	if model.ID == 0 || version.ID == 0 {
		return errors.New("download record requires model and version ids")
	}
	if !models.IsAllowedStatus(status) {
		log.Warnf("Coercing unknown download status %q to %s", status, models.StatusFailed)
		status = models.StatusFailed
	}
	mainTag := primaryTag
	if mainTag == "" {
		mainTag = "Other"
		if len(model.Tags) > 0 {
			mainTag = model.Tags[0]
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var exID int64
	var exStatus string
	var exPath sql.NullString
	err := l.q().QueryRow(`
		SELECT id, status, file_path FROM downloads
		WHERE model_id = ? AND version_id = ?
		ORDER BY download_date DESC LIMIT 1`,
		model.ID, version.ID).Scan(&exID, &exStatus, &exPath)
	switch {
	case err == nil:
		placeholder := (exStatus == models.StatusImported || exStatus == models.StatusMissing) && exPath.String == ""
		if placeholder {
			_, err := l.q().Exec(`
				UPDATE downloads SET
					model_name=?, model_type=?, version=?, main_tag=?,
					original_file_name=?, file_path=?, file_size=?, status=?, file_sha256=?, restored=1
				WHERE id=?`,
				model.Name, model.Type, version.Name, mainTag,
				originalFileName, filePath, fileSizeMB, models.StatusCompleted, fileSHA256, exID)
			if err != nil {
				return fmt.Errorf("upgrading placeholder download record %d: %w", exID, err)
			}
			log.Debugf("Upgraded placeholder download record %d for %d/%d", exID, model.ID, version.ID)
			return nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// first record for this version
	default:
		return fmt.Errorf("checking existing download record: %w", err)
	}

	_, err = l.q().Exec(`
		INSERT INTO downloads (
			model_id, model_name, model_type, version, version_id, main_tag,
			download_date, original_file_name, file_path, file_size, status, file_sha256
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.ID, model.Name, model.Type, version.Name, version.ID, mainTag,
		time.Now().Format(time.RFC3339), originalFileName, filePath, fileSizeMB, status, fileSHA256)
	if err != nil {
		return fmt.Errorf("recording download for %d/%d: %w", model.ID, version.ID, err)
	}
	return nil
}

// IsModelDownloaded reports whether the ledger shows the version as
// Completed with its file present on disk. When filePath is non-empty it is
// checked instead of the recorded path.
func (l *Ledger) IsModelDownloaded(modelID, versionID int, filePath string) bool {
	l.mu.Lock()
	var recorded sql.NullString
	err := l.q().QueryRow(`
		SELECT file_path FROM downloads
		WHERE model_id = ? AND version_id = ? AND status = ?
		ORDER BY download_date DESC LIMIT 1`,
		modelID, versionID, models.StatusCompleted).Scan(&recorded)
	l.mu.Unlock()

	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		log.WithError(err).Warnf("Failed to check downloaded state for %d/%d", modelID, versionID)
		return false
	}
	if filePath != "" {
		_, statErr := os.Stat(filePath)
		return statErr == nil
	}
	if recorded.Valid && recorded.String != "" {
		_, statErr := os.Stat(recorded.String)
		return statErr == nil
	}
	// Completed record with no recorded path: trust the ledger.
	return true
}

// HasDownloadRecord reports whether any live record exists for the version.
func (l *Ledger) HasDownloadRecord(modelID, versionID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var one int
	err := l.q().QueryRow(`
		SELECT 1 FROM downloads
		WHERE model_id = ? AND version_id = ? AND status IN (?, ?, ?) LIMIT 1`,
		modelID, versionID,
		models.StatusCompleted, models.StatusImported, models.StatusMissing).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		log.WithError(err).Warnf("Failed to check download record for %d/%d", modelID, versionID)
		return false
	}
	return true
}

// GetDownloadHistory returns all download records, newest first.
func (l *Ledger) GetDownloadHistory() ([]DownloadRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.q().Query(`
		SELECT id, model_id, model_name, model_type, version, version_id, main_tag,
		       download_date, original_file_name, file_path, file_size, status, file_sha256, restored
		FROM downloads
		ORDER BY download_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying download history: %w", err)
	}
	defer rows.Close()
	return scanDownloadRecords(rows)
}

func scanDownloadRecords(rows *sql.Rows) ([]DownloadRecord, error) {
	var out []DownloadRecord
	for rows.Next() {
		var r DownloadRecord
		var modelName, modelType, versionName, mainTag, date, orig, path, status, sha sql.NullString
		var size sql.NullFloat64
		var restored sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ModelID, &modelName, &modelType, &versionName, &r.VersionID,
			&mainTag, &date, &orig, &path, &size, &status, &sha, &restored); err != nil {
			return nil, fmt.Errorf("scanning download record: %w", err)
		}
		r.ModelName = modelName.String
		r.ModelType = modelType.String
		r.VersionName = versionName.String
		r.MainTag = mainTag.String
		r.DownloadDate = date.String
		r.OriginalFileName = orig.String
		r.FilePath = path.String
		r.FileSizeMB = size.Float64
		r.Status = status.String
		r.SHA256 = sha.String
		r.Restored = int(restored.Int64)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExistingHashes returns the set of upper-case SHA-256 digests already
// present in the history, for recovery deduplication.
func (l *Ledger) ExistingHashes() (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.q().Query(`SELECT file_sha256 FROM downloads WHERE file_sha256 IS NOT NULL AND file_sha256 <> ''`)
	if err != nil {
		return nil, fmt.Errorf("querying existing hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, err
		}
		out[strings.ToUpper(sha)] = struct{}{}
	}
	return out, rows.Err()
}

// DownloadRow is the slice of a downloads row that reconciliation needs.
type DownloadRow struct {
	ID       int64
	FilePath string
	Status   string
	SHA256   string
}

// ListDownloadRows returns id, path, status and hash for every download
// record. Used by reconciliation so hashing can happen without holding the
// ledger lock.
func (l *Ledger) ListDownloadRows() ([]DownloadRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.q().Query(`SELECT id, file_path, status, file_sha256 FROM downloads`)
	if err != nil {
		return nil, fmt.Errorf("querying download rows: %w", err)
	}
	defer rows.Close()

	var out []DownloadRow
	for rows.Next() {
		var r DownloadRow
		var path, status, sha sql.NullString
		if err := rows.Scan(&r.ID, &path, &status, &sha); err != nil {
			return nil, fmt.Errorf("scanning download row: %w", err)
		}
		r.FilePath = path.String
		r.Status = status.String
		r.SHA256 = sha.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetDownloadStatus updates the status and restored flag of one record.
func (l *Ledger) SetDownloadStatus(id int64, status string, restored bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := 0
	if restored {
		r = 1
	}
	_, err := l.q().Exec(`UPDATE downloads SET status = ?, restored = ? WHERE id = ?`, status, r, id)
	if err != nil {
		return fmt.Errorf("updating status of download %d: %w", id, err)
	}
	return nil
}

// RestoreDownloadAt marks a record Completed at a new file path, used when
// reconciliation finds a renamed file by hash.
func (l *Ledger) RestoreDownloadAt(id int64, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.q().Exec(`UPDATE downloads SET status = ?, restored = 1, file_path = ? WHERE id = ?`,
		models.StatusCompleted, path, id)
	if err != nil {
		return fmt.Errorf("restoring download %d at %s: %w", id, path, err)
	}
	return nil
}

// MissingStatusByModel returns the set of model ids that have at least one
// Missing download record.
func (l *Ledger) MissingStatusByModel() (map[int]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.q().Query(`SELECT DISTINCT model_id FROM downloads WHERE status = ?`, models.StatusMissing)
	if err != nil {
		return nil, fmt.Errorf("querying missing models: %w", err)
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ClearHistory removes every download record. Catalog tables are untouched.
func (l *Ledger) ClearHistory() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.q().Exec(`DELETE FROM downloads`); err != nil {
		return fmt.Errorf("clearing download history: %w", err)
	}
	return nil
}
