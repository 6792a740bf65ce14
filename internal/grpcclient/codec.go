package grpcclient

import (
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/facevault/internal/engine"
)

// identityColumn holds the stored sample path in engine result tables.
const identityColumn = "identity"

func encodeFindRequest(query engine.Query, root string, opts engine.Options) (*structpb.Struct, error) {
	img := query.Ref
	if len(query.Image) > 0 {
		mimeType := query.ImageMIME
		if mimeType == "" {
			mimeType = "image/png"
		}
		img = "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(query.Image)
	}
	if img == "" {
		return nil, errors.New("empty query image")
	}

	return structpb.NewStruct(map[string]any{
		"img":               img,
		"db_path":           root,
		"model_name":        opts.ModelName,
		"detector_backend":  opts.DetectorBackend,
		"distance_metric":   opts.DistanceMetric,
		"align":             opts.Align,
		"enforce_detection": opts.EnforceDetection,
		"anti_spoofing":     opts.AntiSpoofing,
	})
}

// decodeFindResponse reads {"tables": [{"columns": [...], "rows": [[...]]}]}.
func decodeFindResponse(resp *structpb.Struct) ([]engine.Table, error) {
	tablesValue, ok := resp.GetFields()["tables"]
	if !ok || tablesValue.GetListValue() == nil {
		return nil, nil
	}

	rawTables := tablesValue.GetListValue().GetValues()
	tables := make([]engine.Table, 0, len(rawTables))
	for i, rawTable := range rawTables {
		tableStruct := rawTable.GetStructValue()
		if tableStruct == nil {
			return nil, fmt.Errorf("table %d is not an object", i)
		}
		table, err := decodeTable(tableStruct)
		if err != nil {
			return nil, fmt.Errorf("table %d: %w", i, err)
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func decodeTable(s *structpb.Struct) (engine.Table, error) {
	var columns []string
	for i, col := range s.GetFields()["columns"].GetListValue().GetValues() {
		name, ok := col.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return engine.Table{}, fmt.Errorf("column %d is not a string", i)
		}
		columns = append(columns, name.StringValue)
	}

	rawRows := s.GetFields()["rows"].GetListValue().GetValues()
	rows := make([]engine.Row, 0, len(rawRows))
	for i, rawRow := range rawRows {
		cells := rawRow.GetListValue().GetValues()
		if len(cells) != len(columns) {
			return engine.Table{}, fmt.Errorf("row %d has %d cells for %d columns", i, len(cells), len(columns))
		}

		row := engine.Row{Fields: make([]engine.Field, 0, len(columns))}
		for j, name := range columns {
			if name == identityColumn {
				if path, ok := cells[j].GetKind().(*structpb.Value_StringValue); ok {
					row.Path = path.StringValue
					row.HasPath = true
				}
				continue
			}
			row.Fields = append(row.Fields, engine.Field{Name: name, Value: cells[j].AsInterface()})
		}
		rows = append(rows, row)
	}
	return engine.Table{Rows: rows}, nil
}
