// Package imgutil normalizes downloaded gallery images: orientation fix,
// downscaling to an area cap and re-encoding in a storable format.
package imgutil

import (
	"bytes"
	"image"
	"image/png"
	"math"
	"net/url"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"

	// Registers WEBP decoding for image galleries served as webp.
	_ "golang.org/x/image/webp"
)

// Area caps in pixels. Downloaded gallery images keep more detail than
// images fetched during filesystem recovery.
const (
	MaxImageArea         = 1_100_000
	RecoveryMaxImageArea = 700_000
)

const jpegQuality = 85

var videoExtensions = []string{".mp4", ".webm", ".mov", ".mkv", ".avi"}

// IsVideoURL reports whether a gallery URL points at a video clip rather
// than an image. Civitai mixes both into the same image lists.
func IsVideoURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, ext := range videoExtensions {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return false
}

// ExtFromURL extracts a file extension from the URL path, defaulting to
// .jpg when there is none.
func ExtFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".jpg"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return ext
	}
	return ".jpg"
}

// ExtForContentType maps a response Content-Type to a file extension,
// defaulting to .jpg.
func ExtForContentType(contentType string) string {
	switch {
	case strings.Contains(contentType, "image/jpeg"):
		return ".jpg"
	case strings.Contains(contentType, "image/png"):
		return ".png"
	case strings.Contains(contentType, "image/webp"):
		return ".webp"
	case strings.Contains(contentType, "image/gif"):
		return ".gif"
	}
	return ".jpg"
}

// Process re-encodes image content for storage: EXIF orientation is
// applied, images larger than maxArea pixels are downscaled, and the
// result is written as JPEG or PNG. PNG is kept for inputs that carry
// alpha (png and transparent webp); everything else becomes JPEG. GIFs
// pass through untouched so animations survive. Content that cannot be
// decoded is returned as-is.
func Process(content []byte, ext string, maxArea int) ([]byte, string) {
	ext = strings.ToLower(ext)
	if ext == ".gif" {
		return content, ext
	}

	img, err := imaging.Decode(bytes.NewReader(content), imaging.AutoOrientation(true))
	if err != nil {
		log.WithError(err).Debug("Could not decode image, storing raw bytes")
		return content, ext
	}

	bounds := img.Bounds()
	area := bounds.Dx() * bounds.Dy()
	if maxArea > 0 && area > maxArea {
		scale := math.Sqrt(float64(maxArea) / float64(area))
		newW := int(float64(bounds.Dx()) * scale)
		if newW < 1 {
			newW = 1
		}
		img = imaging.Resize(img, newW, 0, imaging.Lanczos)
	}

	usePNG := false
	switch ext {
	case ".png":
		usePNG = true
	case ".webp":
		// No webp encoder available, fall back to PNG when transparency
		// would be lost in JPEG.
		usePNG = hasAlpha(img)
	}

	var buf bytes.Buffer
	if usePNG {
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
		ext = ".png"
	} else {
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality))
		ext = ".jpg"
	}
	if err != nil {
		log.WithError(err).Debug("Could not encode image, storing raw bytes")
		return content, ext
	}
	return buf.Bytes(), ext
}

func hasAlpha(img image.Image) bool {
	type opaquer interface{ Opaque() bool }
	if o, ok := img.(opaquer); ok {
		return !o.Opaque()
	}
	return false
}
