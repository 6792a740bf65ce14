package usecase

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"strings"

	"github.com/example/facevault/internal/engine"
)

// MatchRow is one verified candidate as returned to clients: the engine's
// columns in order, followed by the derived id and verified flag. The
// stored sample path is never serialized.
type MatchRow struct {
	ID     *string
	Fields []engine.Field
}

// MarshalJSON writes the row as an object preserving column order.
func (r MatchRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	first := true
	writeKey := func(key string, value any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		v, err := json.Marshal(jsonSafe(value))
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}

	wroteID, wroteVerified := false, false
	for _, f := range r.Fields {
		value := f.Value
		switch f.Name {
		case "id":
			if wroteID {
				continue
			}
			value, wroteID = r.ID, true
		case "verified":
			if wroteVerified {
				continue
			}
			value, wroteVerified = true, true
		}
		if err := writeKey(f.Name, value); err != nil {
			return nil, err
		}
	}
	if !wroteID {
		if err := writeKey("id", r.ID); err != nil {
			return nil, err
		}
	}
	if !wroteVerified {
		if err := writeKey("verified", true); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Float returns the named numeric field.
func (r MatchRow) Float(name string) (float64, bool) {
	for _, f := range r.Fields {
		if f.Name != name {
			continue
		}
		switch v := f.Value.(type) {
		case float64:
			return v, !math.IsNaN(v)
		case json.Number:
			parsed, err := v.Float64()
			return parsed, err == nil
		}
	}
	return 0, false
}

// ShapeResult turns the engine's first table into match rows. Additional
// tables (one per extra model) are ignored.
func ShapeResult(tables []engine.Table) []MatchRow {
	if len(tables) == 0 || len(tables[0].Rows) == 0 {
		return nil
	}

	rows := make([]MatchRow, 0, len(tables[0].Rows))
	for _, row := range tables[0].Rows {
		rows = append(rows, MatchRow{
			ID:     IdentityFromPath(row.Path, row.HasPath),
			Fields: row.Fields,
		})
	}
	return rows
}

// IdentityFromPath returns the second-to-last segment of a stored sample
// path, which is the identity directory name.
func IdentityFromPath(path string, hasPath bool) *string {
	if !hasPath {
		return nil
	}
	parts := strings.Split(path, string(os.PathSeparator))
	if len(parts) < 2 {
		return nil
	}
	id := parts[len(parts)-2]
	return &id
}

// jsonSafe maps NaN and infinities, which JSON cannot carry, to null.
func jsonSafe(value any) any {
	if f, ok := value.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil
	}
	return value
}
