package imageinput

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/example/facevault/internal/apperr"
)

// DefaultMaxPixels caps decoded image area when no limit is configured.
// It matches the decompression-bomb threshold of common imaging libraries.
const DefaultMaxPixels int64 = 89_478_485

// DecodeImage decodes PNG, JPEG, GIF, BMP, TIFF or WEBP data. The header is
// read first and images larger than maxPixels are rejected before any pixel
// buffer is allocated. A non-positive maxPixels selects DefaultMaxPixels.
func DecodeImage(data []byte, maxPixels int64) (image.Image, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnsupportedFormat, err, "cannot identify image file")
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return nil, apperr.New(apperr.KindValidation,
			"Image size (%d pixels) exceeds limit of %d pixels", pixels, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnsupportedFormat, err, "cannot identify image file")
	}
	return img, nil
}

// StripDataURI drops everything up to and including the first comma, which
// removes a "data:<mime>;base64," prefix.
func StripDataURI(s string) string {
	if _, payload, found := strings.Cut(s, ","); found {
		return payload
	}
	return s
}

// DecodeBase64 decodes standard or URL-safe base64, ignoring whitespace and
// tolerating missing padding.
func DecodeBase64(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	cleaned = strings.TrimRight(cleaned, "=")

	data, err := base64.RawStdEncoding.DecodeString(cleaned)
	if err == nil {
		return data, nil
	}
	if urlData, urlErr := base64.RawURLEncoding.DecodeString(cleaned); urlErr == nil {
		return urlData, nil
	}
	return nil, apperr.Wrap(apperr.KindUnsupportedFormat, err, "invalid base64 image data")
}

// DecodeBase64Image decodes a bare base64 payload or data URI into an image.
func DecodeBase64Image(s string, maxPixels int64) (image.Image, error) {
	data, err := DecodeBase64(StripDataURI(s))
	if err != nil {
		return nil, err
	}
	return DecodeImage(data, maxPixels)
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
