package helpers

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"regexp"
	"strings"

	"go-civitai-manager/internal/models"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// CheckHash verifies a file against provided hashes (BLAKE3, CRC32, SHA256).
// It returns true if any of the hashes match.
func CheckHash(filepath string, hashes models.Hashes) bool {
	if _, err := os.Stat(filepath); err == nil {
		file, err := os.ReadFile(filepath)
		if err != nil {
			log.WithError(err).Errorf("Error reading file %s for hash check", filepath)
			return false
		}

		// Check BLAKE3 hash
		if hashes.BLAKE3 != "" {
			blake3Hash := blake3.Sum256(file)
			calculatedBlake3 := strings.ToUpper(hex.EncodeToString(blake3Hash[:]))
			apiBlake3 := strings.ToUpper(strings.TrimSpace(hashes.BLAKE3))
			if calculatedBlake3 == apiBlake3 {
				log.WithField("hash", "BLAKE3").Debugf("Hash match for %s", filepath)
				return true
			}
		}

		// Check CRC32 Hash
		if hashes.CRC32 != "" {
			crc32Hasher := crc32.NewIEEE()
			if _, err := io.Copy(crc32Hasher, bytes.NewReader(file)); err != nil {
				log.WithError(err).Warnf("Error calculating CRC32 hash for %s", filepath)
			} else {
				calculatedCrc32 := fmt.Sprintf("%x", crc32Hasher.Sum32())
				apiCrc32 := strings.ToLower(strings.TrimSpace(hashes.CRC32))
				if apiCrc32 == calculatedCrc32 {
					log.WithField("hash", "CRC32").Debugf("Hash match for %s", filepath)
					return true
				}
			}
		}

		// Check SHA256 Hash
		if hashes.SHA256 != "" {
			sha256Hasher := sha256.New()
			sha256Hasher.Write(file)
			calculatedSha256 := hex.EncodeToString(sha256Hasher.Sum(nil))
			apiSha256 := strings.ToLower(strings.TrimSpace(hashes.SHA256))
			if apiSha256 == calculatedSha256 {
				log.WithField("hash", "SHA256").Debugf("Hash match for %s", filepath)
				return true
			}
		}
	} else if !os.IsNotExist(err) {
		// Log error only if it's not a "file not found" error
		log.WithError(err).Warnf("Error stating file %s during hash check", filepath)
	}

	return false
}

// FileSHA256 streams a file through SHA-256 and returns the upper-case hex
// digest, matching the form the model-version hash lookup endpoint expects.
func FileSHA256(filepath string) (string, error) {
	f, err := os.Open(filepath)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", filepath, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", filepath, err)
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1 // Handle very large sizes
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

var unsafePathChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
var repeatedSpaces = regexp.MustCompile(`\s+`)

// SanitizeName makes a model name safe to use as a directory component.
// Filesystem-reserved characters become underscores and the result is
// capped at 150 characters.
func SanitizeName(name string) string {
	s := unsafePathChars.ReplaceAllString(name, "_")
	s = repeatedSpaces.ReplaceAllString(s, " ")
	s = strings.TrimRight(strings.TrimSpace(s), ". ")
	if len(s) > 150 {
		s = s[:150]
	}
	if s == "" {
		s = "Unknown"
	}
	return s
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
// Uses standard directory permissions (0700).
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}
