// Package imageinput pulls face images out of inbound requests and
// normalizes them into bitmaps or engine-resolvable strings.
package imageinput

import (
	"github.com/example/facevault/internal/apperr"
)

// Input is the image found under a request key. Exactly one of Bitmap,
// Ref or Value is set.
type Input struct {
	// Bitmap is a decoded upload in BGR order.
	Bitmap *Bitmap
	// Ref is a string field: base64, data URI, path or URL.
	Ref string
	// Value is a non-string body value; callers reject it as unsupported.
	Value any
}

// Extract resolves the image stored under key, preferring an uploaded file
// over a body field. Uploads above maxPixels are rejected.
func Extract(body *Body, key string, maxPixels int64) (*Input, error) {
	if body.HasFiles() {
		uploads := body.Files[key]
		if len(uploads) == 0 {
			return nil, apperr.New(apperr.KindInputMissing, "Request form data doesn't have %s", key)
		}
		upload := uploads[0]
		if upload.Filename == "" {
			return nil, apperr.New(apperr.KindInputMissing, "No file uploaded for '%s'", key)
		}

		img, err := DecodeImage(upload.Data, maxPixels)
		if err != nil {
			return nil, err
		}
		return &Input{Bitmap: BGRFromImage(img)}, nil
	}

	if body.HasFields() {
		value, ok := body.Field(key)
		if !ok || !Truthy(value) {
			return nil, apperr.New(apperr.KindInputMissing, "'%s' not found in either json or form data request", key)
		}
		if s, isString := value.(string); isString {
			return &Input{Ref: s}, nil
		}
		return &Input{Value: value}, nil
	}

	return nil, apperr.New(apperr.KindInputMissing, "'%s' not found in request in either json or form data", key)
}
