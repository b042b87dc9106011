package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrHashMismatch = errors.New("downloaded file hash mismatch")
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
	ErrFileSystem   = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest  = errors.New("HTTP request creation/execution error")
	ErrCancelled    = errors.New("download cancelled")
)

// chunkSize is how much is copied between cancellation checks.
const chunkSize = 8192

// ProgressFunc receives the running byte count and the expected total.
// total is 0 when the server did not send Content-Length.
type ProgressFunc func(received, total int64)

// Result describes a finished download.
type Result struct {
	FilePath  string
	SizeBytes int64
	SHA256    string // upper-case hex
}

// Downloader fetches model files with cancellation, progress reporting and
// hash verification.
type Downloader struct {
	client *http.Client
	apiKey string
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client, apiKey string) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 15 * time.Minute,
		}
	}
	return &Downloader{
		client: client,
		apiKey: apiKey,
	}
}

// findExistingFileWithMatchingBaseAndHash looks for a file in dirPath whose
// base name matches and whose hash verifies against the expected hashes.
// The extension must also match before hashing, so a sidecar .json never
// gets hashed against a .safetensors expectation.
func findExistingFileWithMatchingBaseAndHash(dirPath, baseNameWithoutExt, expectedExt string, hashes models.Hashes) (string, bool, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading directory %s: %w", dirPath, err)
	}

	hashesProvided := hashes.SHA256 != "" || hashes.BLAKE3 != "" || hashes.CRC32 != "" || hashes.AutoV2 != ""

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		entryName := entry.Name()
		ext := filepath.Ext(entryName)
		entryBaseName := strings.TrimSuffix(entryName, ext)
		if !strings.EqualFold(entryBaseName, baseNameWithoutExt) {
			continue
		}
		fullPath := filepath.Join(dirPath, entryName)

		if !hashesProvided {
			// No hashes to verify against, a base name match is enough.
			log.Debugf("Base name match with no expected hashes, treating as valid: %s", fullPath)
			return fullPath, true, nil
		}
		if !strings.EqualFold(ext, expectedExt) {
			continue
		}
		if helpers.CheckHash(fullPath, hashes) {
			log.Debugf("Hash match for existing file: %s", fullPath)
			return fullPath, true, nil
		}
		log.Debugf("Hash mismatch for existing file: %s", fullPath)
	}
	return "", false, nil
}

// DownloadFile downloads url to targetFilepath, reporting progress through
// progress (may be nil). The write goes through a temporary file that is
// renamed into place only after the hash verifies; a cancelled or failed
// download leaves no partial file behind. The server's Content-Disposition
// filename, when present, overrides the base name of targetFilepath.
func (d *Downloader) DownloadFile(ctx context.Context, targetFilepath, url string, hashes models.Hashes, progress ProgressFunc) (Result, error) {
	targetDir := filepath.Dir(targetFilepath)
	initialBaseName := filepath.Base(targetFilepath)
	initialExt := filepath.Ext(initialBaseName)
	initialBaseNameWithoutExt := strings.TrimSuffix(initialBaseName, initialExt)

	foundPath, exists, err := findExistingFileWithMatchingBaseAndHash(targetDir, initialBaseNameWithoutExt, initialExt, hashes)
	if err != nil {
		return Result{}, fmt.Errorf("%w: checking for existing file: %v", ErrFileSystem, err)
	}
	if exists {
		log.Infof("Found valid existing file %s, skipping download", foundPath)
		return existingResult(foundPath)
	}

	if !helpers.CheckAndMakeDir(targetDir) {
		return Result{}, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating download request for %s: %v", ErrHttpRequest, url, err)
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	log.Infof("Downloading from %s", url)
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}
		return Result{}, fmt.Errorf("%w: performing request for %s: %v", ErrHttpRequest, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, url)
	}

	finalFilepath := resolveFinalPath(targetFilepath, resp.Header.Get("Content-Disposition"))
	if finalFilepath != targetFilepath {
		finalBase := filepath.Base(finalFilepath)
		finalExt := filepath.Ext(finalBase)
		foundPath, exists, err = findExistingFileWithMatchingBaseAndHash(
			filepath.Dir(finalFilepath), strings.TrimSuffix(finalBase, finalExt), finalExt, hashes)
		if err != nil {
			return Result{}, fmt.Errorf("%w: checking for existing file: %v", ErrFileSystem, err)
		}
		if exists {
			log.Infof("Found valid existing file %s, skipping download", foundPath)
			return existingResult(foundPath)
		}
	}

	tempFile, err := os.CreateTemp(targetDir, filepath.Base(finalFilepath)+".*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating temporary file in %s: %v", ErrFileSystem, targetDir, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			tempFile.Close()
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	total, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	log.Infof("Downloading to %s (Target: %s, Size: %s)...", tempFile.Name(), finalFilepath, helpers.BytesToSize(uint64(total)))

	hasher := sha256.New()
	var received int64
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			log.Infof("Download of %s cancelled after %d bytes", finalFilepath, received)
			return Result{}, ErrCancelled
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := tempFile.Write(buf[:n]); writeErr != nil {
				return Result{}, fmt.Errorf("%w: writing temporary file %s: %v", ErrFileSystem, tempFile.Name(), writeErr)
			}
			hasher.Write(buf[:n])
			received += int64(n)
			if progress != nil {
				progress(received, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return Result{}, ErrCancelled
			}
			return Result{}, fmt.Errorf("%w: reading response body from %s: %v", ErrHttpRequest, url, readErr)
		}
	}

	if err := tempFile.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: closing temp file %s: %v", ErrFileSystem, tempFile.Name(), err)
	}

	digest := strings.ToUpper(hex.EncodeToString(hasher.Sum(nil)))
	if hashes.SHA256 != "" && !strings.EqualFold(hashes.SHA256, digest) {
		log.Errorf("Hash mismatch for %s: expected %s, got %s", finalFilepath, hashes.SHA256, digest)
		return Result{}, ErrHashMismatch
	}
	// Fall back to the slower multi-algorithm check when only non-SHA256
	// hashes were provided.
	if hashes.SHA256 == "" && (hashes.BLAKE3 != "" || hashes.CRC32 != "" || hashes.AutoV2 != "") {
		if !helpers.CheckHash(tempFile.Name(), hashes) {
			return Result{}, ErrHashMismatch
		}
	}

	if err := os.Rename(tempFile.Name(), finalFilepath); err != nil {
		return Result{}, fmt.Errorf("%w: renaming temporary file %s to %s: %v", ErrFileSystem, tempFile.Name(), finalFilepath, err)
	}
	shouldCleanupTemp = false

	log.Infof("Successfully downloaded %s (%s)", finalFilepath, helpers.BytesToSize(uint64(received)))
	return Result{FilePath: finalFilepath, SizeBytes: received, SHA256: digest}, nil
}

// resolveFinalPath applies the Content-Disposition filename, when present,
// to the directory of the constructed target path.
func resolveFinalPath(targetFilepath, contentDisposition string) string {
	if contentDisposition == "" {
		log.Debug("No Content-Disposition header, using constructed filename")
		return targetFilepath
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil || params["filename"] == "" {
		if !strings.HasPrefix(contentDisposition, "inline") {
			log.WithError(err).Warnf("Could not parse Content-Disposition header: %s", contentDisposition)
		}
		return targetFilepath
	}
	name := helpers.SanitizeName(params["filename"])
	log.Infof("Using filename from Content-Disposition: %s", name)
	return filepath.Join(filepath.Dir(targetFilepath), name)
}

// existingResult builds a Result for a file that was already on disk,
// hashing it so callers get the same fields a fresh download would.
func existingResult(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: stat %s: %v", ErrFileSystem, path, err)
	}
	digest, err := helpers.FileSHA256(path)
	if err != nil {
		return Result{}, fmt.Errorf("hashing existing file %s: %w", path, err)
	}
	return Result{FilePath: path, SizeBytes: info.Size(), SHA256: digest}, nil
}
