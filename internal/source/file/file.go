// Package file loads candidates from a JSON file on disk.
//
// The file holds a JSON array of candidates, either exported from a
// previous harvest or hand-written as a fixture. Useful for re-runs
// against a known payload without touching the upstream.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

// Source yields the candidates stored in a JSON file.
type Source struct {
	path string
}

var _ harvest.Source = (*Source)(nil)

// New creates a Source for the given path. The file is read lazily on
// the first Each call.
func New(path string) *Source {
	return &Source{path: path}
}

// Name identifies the source in job metadata and progress events.
func (s *Source) Name() string {
	return "file:" + filepath.Base(s.path)
}

// Each reads the file and yields every candidate in order.
func (s *Source) Each(ctx context.Context, fn func(harvest.Candidate) error) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read candidates file: %w", err)
	}
	var candidates []harvest.Candidate
	if err := json.Unmarshal(data, &candidates); err != nil {
		return fmt.Errorf("parse candidates file %s: %w", s.path, err)
	}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}
