// Package localfs serves sources from a directory on disk.
package localfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
)

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// FetchSource reads key relative to the root. Keys that escape the root are
// rejected.
func (s *Store) FetchSource(_ context.Context, key string) (entity.Source, error) {
	clean := filepath.Clean("/" + key)
	path := filepath.Join(s.root, clean)
	if rel, err := filepath.Rel(s.root, path); err != nil || strings.HasPrefix(rel, "..") {
		return entity.Source{}, fmt.Errorf("key %q outside of source root", key)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return entity.Source{}, fmt.Errorf("read source %s: %w", key, err)
	}
	return entity.Source{Filename: filepath.Base(path), Data: data}, nil
}

// ReadFile loads a source from an arbitrary path, as the CLI does.
func ReadFile(path string) (entity.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return entity.Source{}, fmt.Errorf("read source: %w", err)
	}
	return entity.Source{Filename: filepath.Base(path), Data: data}, nil
}
