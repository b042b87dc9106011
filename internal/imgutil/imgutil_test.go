package imgutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestIsVideoURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/gallery/clip.mp4", true},
		{"https://example.com/gallery/clip.MP4?width=450", true},
		{"https://example.com/transcode=true,clip.webm/preview", true},
		{"https://example.com/gallery/photo.jpeg", false},
		{"https://example.com/gallery/photo.png", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsVideoURL(tt.url), tt.url)
	}
}

func TestExtFromURL(t *testing.T) {
	assert.Equal(t, ".png", ExtFromURL("https://example.com/a/b/img.png?width=450"))
	assert.Equal(t, ".webp", ExtFromURL("https://example.com/img.WEBP"))
	assert.Equal(t, ".jpg", ExtFromURL("https://example.com/no-extension"))
	assert.Equal(t, ".jpg", ExtFromURL("https://example.com/archive.zip"))
}

func TestExtForContentType(t *testing.T) {
	assert.Equal(t, ".png", ExtForContentType("image/png"))
	assert.Equal(t, ".webp", ExtForContentType("image/webp; charset=binary"))
	assert.Equal(t, ".gif", ExtForContentType("image/gif"))
	assert.Equal(t, ".jpg", ExtForContentType("application/octet-stream"))
}

func TestProcessDownscalesLargeImages(t *testing.T) {
	big := encodePNG(t, solidImage(2000, 2000, color.NRGBA{R: 200, A: 255}))

	out, ext := Process(big, ".jpg", 1_000_000)
	assert.Equal(t, ".jpg", ext)

	decoded, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	area := decoded.Bounds().Dx() * decoded.Bounds().Dy()
	assert.LessOrEqual(t, area, 1_000_000)
	assert.Greater(t, area, 900_000, "downscale should land near the cap, not far below it")
}

func TestProcessKeepsSmallImageDimensions(t *testing.T) {
	small := encodePNG(t, solidImage(100, 50, color.NRGBA{G: 128, A: 255}))

	out, ext := Process(small, ".png", MaxImageArea)
	assert.Equal(t, ".png", ext)

	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 100, decoded.Bounds().Dx())
	assert.Equal(t, 50, decoded.Bounds().Dy())
}

func TestProcessPreservesPNGForAlphaInput(t *testing.T) {
	translucent := encodePNG(t, solidImage(10, 10, color.NRGBA{R: 255, A: 128}))

	_, ext := Process(translucent, ".png", MaxImageArea)
	assert.Equal(t, ".png", ext)
}

func TestProcessGifPassthrough(t *testing.T) {
	raw := []byte("GIF89a not really a gif")
	out, ext := Process(raw, ".gif", MaxImageArea)
	assert.Equal(t, ".gif", ext)
	assert.Equal(t, raw, out)
}

func TestProcessUndecodableReturnsRaw(t *testing.T) {
	raw := []byte("definitely not an image")
	out, ext := Process(raw, ".jpg", MaxImageArea)
	assert.Equal(t, raw, out)
	assert.Equal(t, ".jpg", ext)
}
