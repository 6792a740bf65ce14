// Package facestore manages the on-disk face database: one directory per
// identity holding numbered PNG samples.
package facestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/facevault/internal/apperr"
)

const (
	sampleExt = ".png"
	// PublicPrefix is the path prefix reported to clients for stored samples.
	PublicPrefix = "/database"

	maxCreateAttempts = 5
)

// Sample describes a stored face image.
type Sample struct {
	Identity string
	Sequence int64
	// FilePath is the absolute location on disk.
	FilePath string
	// PublicPath is /database/<identity>/<n>.png.
	PublicPath string
}

// IdentitySummary lists an identity directory and how many files it holds.
type IdentitySummary struct {
	ID      string `json:"id"`
	Samples int    `json:"samples"`
}

// Store writes samples below Root.
type Store struct {
	root   string
	seq    Sequencer
	logger *zap.Logger
}

// NewStore constructs a store rooted at root.
func NewStore(root string, seq Sequencer, logger *zap.Logger) *Store {
	return &Store{root: root, seq: seq, logger: logger.Named("facestore")}
}

// Root returns the database root directory.
func (s *Store) Root() string {
	return s.root
}

// ValidateIdentity rejects identities that are not a single path segment.
func ValidateIdentity(identity string) error {
	switch {
	case identity == "":
		return apperr.New(apperr.KindValidation, "Missing 'id' parameter")
	case identity == "." || identity == "..":
		return apperr.New(apperr.KindValidation, "invalid id %q", identity)
	case strings.ContainsAny(identity, `/\`) || strings.ContainsRune(identity, 0):
		return apperr.New(apperr.KindValidation, "invalid id %q: must not contain path separators", identity)
	}
	return nil
}

// Add stores pngData as the next sample of identity. Existing files are never
// overwritten.
func (s *Store) Add(ctx context.Context, identity string, pngData []byte) (*Sample, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, identity)
	floor, err := highestSequence(dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, err, "Failed to read directory")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, err, "Failed to create directory")
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		n, err := s.seq.Next(ctx, identity, floor)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, err, "Failed to allocate sample number")
		}

		filename := strconv.FormatInt(n, 10) + sampleExt
		target := filepath.Join(dir, filename)
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			s.logger.Warn("sample number already taken", zap.String("identity", identity), zap.Int64("sequence", n))
			floor = n
			continue
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, err, "Failed to save image")
		}

		if err := writeAndClose(f, pngData); err != nil {
			_ = os.Remove(target)
			return nil, apperr.Wrap(apperr.KindStorage, err, "Failed to save image")
		}

		return &Sample{
			Identity:   identity,
			Sequence:   n,
			FilePath:   target,
			PublicPath: path.Join(PublicPrefix, identity, filename),
		}, nil
	}

	return nil, apperr.New(apperr.KindStorage, "Failed to save image: no free sample number after %d attempts", maxCreateAttempts)
}

// Identities lists identity directories with their file counts, sorted by id.
func (s *Store) Identities() ([]IdentitySummary, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return []IdentitySummary{}, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, err, "Failed to read database")
	}

	summaries := make([]IdentitySummary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, entry.Name()))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, err, "Failed to read identity directory")
		}
		count := 0
		for _, f := range files {
			if f.Type().IsRegular() {
				count++
			}
		}
		summaries = append(summaries, IdentitySummary{ID: entry.Name(), Samples: count})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}

// highestSequence returns the largest n among regular files named <n>.png,
// or 0 when the directory is missing or has none.
func highestSequence(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var highest int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		stem, ok := strings.CutSuffix(entry.Name(), sampleExt)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(stem, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest, nil
}

func writeAndClose(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.Name(), err)
	}
	return nil
}
