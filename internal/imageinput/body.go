package imageinput

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/example/facevault/internal/apperr"
)

// BodyKind identifies how a request body was encoded.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyJSON
	BodyForm
	BodyMultipart
)

// Upload is a file part read from a multipart body.
type Upload struct {
	Filename string
	Header   textproto.MIMEHeader
	Data     []byte
}

// Body is a request body parsed once at the boundary. Fields holds JSON
// values (json.Number for numbers) or form strings; Files holds multipart
// file parts by field name.
type Body struct {
	Kind   BodyKind
	Fields map[string]any
	Files  map[string][]*Upload
}

// HasFiles reports whether any file part was uploaded.
func (b *Body) HasFiles() bool {
	return b != nil && len(b.Files) > 0
}

// HasFields reports whether the body is JSON or carries form values.
func (b *Body) HasFields() bool {
	if b == nil {
		return false
	}
	return b.Kind == BodyJSON || len(b.Fields) > 0
}

// Field returns the raw value stored under key.
func (b *Body) Field(key string) (any, bool) {
	if b == nil || b.Fields == nil {
		return nil, false
	}
	v, ok := b.Fields[key]
	return v, ok
}

// String returns the value under key as text. Missing and falsy values
// yield "".
func (b *Body) String(key string) string {
	v, ok := b.Field(key)
	if !ok || !Truthy(v) {
		return ""
	}
	switch typed := v.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

// ParseBody reads r's body according to its Content-Type. Reads are capped
// at maxBytes; exceeding the cap yields an *http.MaxBytesError.
func ParseBody(w http.ResponseWriter, r *http.Request, maxBytes int64) (*Body, error) {
	body := &Body{Fields: map[string]any{}, Files: map[string][]*Upload{}}
	if r.Body == nil || r.Body == http.NoBody {
		return body, nil
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return body, nil
	}

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		body.Kind = BodyJSON
		return body, parseJSON(r.Body, body)
	case mediaType == "application/x-www-form-urlencoded":
		body.Kind = BodyForm
		if err := r.ParseForm(); err != nil {
			return body, formError(err)
		}
		for key, values := range r.PostForm {
			if len(values) > 0 {
				body.Fields[key] = values[0]
			}
		}
		return body, nil
	case mediaType == "multipart/form-data":
		body.Kind = BodyMultipart
		return body, parseMultipart(multipart.NewReader(r.Body, params["boundary"]), body)
	default:
		return body, nil
	}
}

func parseJSON(r io.Reader, body *Body) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return readError(err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return apperr.Wrap(apperr.KindInputMissing, err, "invalid JSON body")
	}
	if object, ok := payload.(map[string]any); ok {
		body.Fields = object
	}
	return nil
}

func parseMultipart(reader *multipart.Reader, body *Body) error {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return readError(err)
		}

		name := part.FormName()
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return readError(err)
		}
		if name == "" {
			continue
		}

		if filename, isFile := partFilename(part.Header); isFile {
			body.Files[name] = append(body.Files[name], &Upload{
				Filename: filename,
				Header:   part.Header,
				Data:     data,
			})
			continue
		}
		if _, exists := body.Fields[name]; !exists {
			body.Fields[name] = string(data)
		}
	}
}

// partFilename reports the filename parameter and whether it was present at
// all, so that file inputs submitted without a selection are still files.
func partFilename(header textproto.MIMEHeader) (string, bool) {
	_, params, err := mime.ParseMediaType(header.Get("Content-Disposition"))
	if err != nil {
		return "", false
	}
	filename, ok := params["filename"]
	return filename, ok
}

func readError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return apperr.Wrap(apperr.KindInputMissing, err, "failed to read request body")
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return apperr.Wrap(apperr.KindInputMissing, err, "invalid form body")
}

// Truthy mirrors the loose truthiness used for optional body fields:
// nil, false, "", 0 and empty collections are falsy.
func Truthy(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != ""
	case json.Number:
		f, err := typed.Float64()
		return err != nil || f != 0
	case float64:
		return typed != 0
	case []any:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	default:
		return true
	}
}
