package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/facevault/internal/apperr"
	"github.com/example/facevault/internal/config"
	"github.com/example/facevault/internal/engine"
)

// FieldSource exposes raw request body values by key.
type FieldSource interface {
	Field(key string) (any, bool)
}

// ResolveOptions builds engine options from the request body, filling in
// defaults for absent fields. Boolean flags are coerced; unrecognized
// values are a validation error.
func ResolveOptions(src FieldSource, defaults config.MatchDefaults) (engine.Options, error) {
	opts := engine.Options{
		ModelName:        defaults.ModelName,
		DetectorBackend:  defaults.DetectorBackend,
		DistanceMetric:   defaults.DistanceMetric,
		Align:            true,
		EnforceDetection: true,
		AntiSpoofing:     false,
	}
	if src == nil {
		return opts, nil
	}

	for _, s := range []struct {
		key  string
		dest *string
	}{
		{"model_name", &opts.ModelName},
		{"detector_backend", &opts.DetectorBackend},
		{"distance_metric", &opts.DistanceMetric},
	} {
		value, ok := src.Field(s.key)
		if !ok || value == nil {
			continue
		}
		text, isString := value.(string)
		if !isString {
			return opts, apperr.New(apperr.KindValidation, "'%s' must be a string", s.key)
		}
		if text != "" {
			*s.dest = text
		}
	}

	for _, b := range []struct {
		key  string
		dest *bool
	}{
		{"align", &opts.Align},
		{"enforce_detection", &opts.EnforceDetection},
		{"anti_spoofing", &opts.AntiSpoofing},
	} {
		value, ok := src.Field(b.key)
		if !ok || value == nil {
			continue
		}
		parsed, err := ParseBool(value)
		if err != nil {
			return opts, apperr.Wrap(apperr.KindValidation, err, fmt.Sprintf("invalid '%s'", b.key))
		}
		*b.dest = parsed
	}
	return opts, nil
}

// ParseBool accepts JSON booleans, numbers (zero is false) and the usual
// textual spellings.
func ParseBool(value any) (bool, error) {
	switch typed := value.(type) {
	case bool:
		return typed, nil
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return false, fmt.Errorf("not a number: %q", typed.String())
		}
		return f != 0, nil
	case float64:
		return typed != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true", "1", "yes", "on", "t", "y":
			return true, nil
		case "false", "0", "no", "off", "f", "n":
			return false, nil
		}
		return false, fmt.Errorf("expected a boolean, got %q", typed)
	default:
		return false, fmt.Errorf("expected a boolean, got %T", value)
	}
}
