package database

import (
	"database/sql"
	"fmt"
	"os"

	"go-civitai-manager/internal/models"

	log "github.com/sirupsen/logrus"
)

// DeleteSummary reports what DeleteModelVersion removed.
type DeleteSummary struct {
	DeletedFiles      int `json:"deleted_files"`
	DeletedImageFiles int `json:"deleted_image_files"`
	HistoryMarked     int `json:"history_marked"`
	VersionRows       int `json:"version_rows"`
	ModelDeleted      bool `json:"model_deleted"`
}

// DeleteModelVersion removes one version from disk and from the catalog.
//
// Download history rows are kept but marked Deleted. The model row and its
// remaining images are removed only when this was the model's last version.
// File removal is best effort; a missing file is not an error.
func (l *Ledger) DeleteModelVersion(modelID, versionID int) (DeleteSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sum DeleteSummary

	// Mark live history rows Deleted and remove their files.
	rows, err := l.q().Query(`
		SELECT id, file_path FROM downloads
		WHERE model_id = ? AND version_id = ? AND status IN (?, ?, ?)`,
		modelID, versionID,
		models.StatusCompleted, models.StatusImported, models.StatusMissing)
	if err != nil {
		return sum, fmt.Errorf("querying downloads for deletion: %w", err)
	}
	type liveRow struct {
		id   int64
		path string
	}
	var live []liveRow
	for rows.Next() {
		var r liveRow
		var path sql.NullString
		if err := rows.Scan(&r.id, &path); err != nil {
			rows.Close()
			return sum, fmt.Errorf("scanning download for deletion: %w", err)
		}
		r.path = path.String
		live = append(live, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return sum, err
	}
	rows.Close()

	for _, r := range live {
		if _, err := l.q().Exec(`UPDATE downloads SET status = ? WHERE id = ?`, models.StatusDeleted, r.id); err != nil {
			return sum, fmt.Errorf("marking download %d deleted: %w", r.id, err)
		}
		sum.HistoryMarked++
		if r.path != "" {
			if removeErr := os.Remove(r.path); removeErr == nil {
				sum.DeletedFiles++
			} else if !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove model file %s", r.path)
			}
		}
	}

	sum.DeletedImageFiles += l.removeImageFiles(`SELECT local_path FROM images WHERE version_id = ?`, versionID)

	if _, err := l.q().Exec(`DELETE FROM files WHERE version_id = ?`, versionID); err != nil {
		return sum, fmt.Errorf("deleting file rows for version %d: %w", versionID, err)
	}
	if _, err := l.q().Exec(`DELETE FROM images WHERE version_id = ?`, versionID); err != nil {
		return sum, fmt.Errorf("deleting image rows for version %d: %w", versionID, err)
	}
	res, err := l.q().Exec(`DELETE FROM versions WHERE version_id = ?`, versionID)
	if err != nil {
		return sum, fmt.Errorf("deleting version %d: %w", versionID, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		sum.VersionRows = int(n)
	}

	var remaining int
	if err := l.q().QueryRow(`SELECT COUNT(*) FROM versions WHERE model_id = ?`, modelID).Scan(&remaining); err != nil {
		return sum, fmt.Errorf("counting remaining versions for model %d: %w", modelID, err)
	}
	if remaining == 0 {
		sum.DeletedImageFiles += l.removeImageFiles(`SELECT local_path FROM images WHERE model_id = ?`, modelID)
		if _, err := l.q().Exec(`DELETE FROM images WHERE model_id = ?`, modelID); err != nil {
			return sum, fmt.Errorf("deleting image rows for model %d: %w", modelID, err)
		}
		if _, err := l.q().Exec(`DELETE FROM models WHERE model_id = ?`, modelID); err != nil {
			return sum, fmt.Errorf("deleting model %d: %w", modelID, err)
		}
		sum.ModelDeleted = true
	}
	return sum, nil
}

// removeImageFiles deletes the files referenced by an images query and
// returns how many were removed. Lock must be held.
func (l *Ledger) removeImageFiles(query string, arg any) int {
	rows, err := l.q().Query(query, arg)
	if err != nil {
		log.WithError(err).Warn("Failed to query image paths for deletion")
		return 0
	}
	var paths []string
	for rows.Next() {
		var path sql.NullString
		if err := rows.Scan(&path); err != nil {
			continue
		}
		if path.String != "" {
			paths = append(paths, path.String)
		}
	}
	rows.Close()

	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err == nil {
			removed++
		} else if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Failed to remove image file %s", p)
		}
	}
	return removed
}
