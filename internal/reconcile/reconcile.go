// Package reconcile synchronizes the download history with the filesystem:
// files that vanished are marked Missing, files that came back are marked
// Completed, and renamed files are recovered by content hash.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"go-civitai-manager/internal/database"
	"go-civitai-manager/internal/models"
)

// hashChunkSize keeps cancellation responsive while hashing large files.
const hashChunkSize = 512 * 1024

// scanExtensions are the file types considered when searching for renamed
// model files.
var scanExtensions = map[string]struct{}{
	".safetensors": {},
	".pt":          {},
	".pth":         {},
}

// Counts summarizes one reconciliation run.
type Counts struct {
	Missing         int `json:"missing"`
	Restored        int `json:"restored"`
	RenamedRestored int `json:"renamed_restored"`
	ScannedFiles    int `json:"scanned_files"`
	HashedFiles     int `json:"hashed_files"`
}

// Ledger is the slice of the database layer reconciliation needs.
type Ledger interface {
	ListDownloadRows() ([]database.DownloadRow, error)
	SetDownloadStatus(id int64, status string, restored bool) error
	RestoreDownloadAt(id int64, path string) error
}

// Engine runs reconciliation passes against a ledger.
type Engine struct {
	Ledger Ledger
}

// Reconcile checks every download record against the filesystem, then scans
// scanRoot for renamed copies of files that are still missing. scanRoot may
// be empty to skip the rename scan. The ledger lock is never held while
// hashing.
func (e *Engine) Reconcile(ctx context.Context, scanRoot string) (Counts, error) {
	var counts Counts

	rows, err := e.Ledger.ListDownloadRows()
	if err != nil {
		return counts, err
	}

	// Hashes of files we still hope to find, keyed lower-case.
	wanted := make(map[string]int64)

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		present := false
		if row.FilePath != "" {
			_, statErr := os.Stat(row.FilePath)
			present = statErr == nil
		}

		switch {
		case row.Status == models.StatusCompleted && !present:
			log.Infof("File missing for record %d: %s", row.ID, row.FilePath)
			if err := e.Ledger.SetDownloadStatus(row.ID, models.StatusMissing, false); err != nil {
				return counts, err
			}
			counts.Missing++
			if row.SHA256 != "" {
				wanted[strings.ToLower(row.SHA256)] = row.ID
			}
		case row.Status == models.StatusMissing && present:
			log.Infof("File reappeared for record %d: %s", row.ID, row.FilePath)
			if err := e.Ledger.SetDownloadStatus(row.ID, models.StatusCompleted, true); err != nil {
				return counts, err
			}
			counts.Restored++
		case row.Status == models.StatusImported && present:
			log.Infof("Imported file present for record %d: %s", row.ID, row.FilePath)
			if err := e.Ledger.SetDownloadStatus(row.ID, models.StatusCompleted, true); err != nil {
				return counts, err
			}
			counts.Restored++
		case row.Status == models.StatusMissing && !present && row.SHA256 != "":
			wanted[strings.ToLower(row.SHA256)] = row.ID
		}
	}

	if len(wanted) == 0 || scanRoot == "" {
		return counts, nil
	}
	if info, err := os.Stat(scanRoot); err != nil || !info.IsDir() {
		log.Warnf("Scan directory %s is not usable, skipping rename recovery", scanRoot)
		return counts, nil
	}

	log.Infof("Scanning %s for %d missing file(s) by hash...", scanRoot, len(wanted))
	err = filepath.WalkDir(scanRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			log.WithError(walkErr).Warnf("Skipping unreadable path %s", path)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		counts.ScannedFiles++
		if _, ok := scanExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		sum, err := hashFile(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.WithError(err).Warnf("Failed to hash %s", path)
			return nil
		}
		counts.HashedFiles++

		if id, ok := wanted[sum]; ok {
			log.Infof("Recovered renamed file for record %d: %s", id, path)
			if err := e.Ledger.RestoreDownloadAt(id, path); err != nil {
				return err
			}
			counts.RenamedRestored++
			delete(wanted, sum)
			if len(wanted) == 0 {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return counts, err
	}
	return counts, nil
}

// hashFile computes the lower-case SHA-256 of a file in chunks, checking
// for cancellation between reads.
func hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, hashChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
