// Package engine describes the external face-matching engine: the query it
// accepts, the options it honours, and the tables it returns.
package engine

import (
	"context"
	"errors"
	"strings"
)

// DetectionFailureMarker is the message fragment the engine uses when no face
// could be found in the query image.
const DetectionFailureMarker = "Face could not be detected"

// Query is the image handed to the engine. Exactly one of Ref and Image is set.
type Query struct {
	// Ref is a base64 payload, data URI, filesystem path or URL resolved by
	// the engine's own loader.
	Ref string
	// Image is an uploaded image already decoded by this service.
	Image []byte
	// ImageMIME describes Image, e.g. image/png.
	ImageMIME string
}

// Options tune a Find call.
type Options struct {
	ModelName        string
	DetectorBackend  string
	DistanceMetric   string
	Align            bool
	EnforceDetection bool
	AntiSpoofing     bool
}

// Field is one engine column value on a row. Values are passed through
// unchanged.
type Field struct {
	Name  string
	Value any
}

// Row is one candidate match.
type Row struct {
	// Path is the stored sample path; HasPath is false when the engine
	// returned a non-string identity value.
	Path    string
	HasPath bool
	Fields  []Field
}

// Table is one per-model result set, best match first.
type Table struct {
	Rows []Row
}

// Matcher finds candidate matches for a query among all samples under root.
type Matcher interface {
	Find(ctx context.Context, query Query, root string, opts Options) ([]Table, error)
}

// ValidationError is raised by the engine for recoverable input problems
// such as undetectable faces or unreadable images.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// IsDetectionFailure reports whether err is the engine's no-face error.
func IsDetectionFailure(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) && strings.Contains(verr.Message, DetectionFailureMarker)
}

// IsValidation reports whether err is any engine validation error.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
