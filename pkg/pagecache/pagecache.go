// Package pagecache materializes decoded pages as files named by container identity and page index.
package pagecache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"pageview/pkg/identity"
	"pageview/pkg/imagemeta"
	"pageview/pkg/logger"
)

var ErrDecode = errors.New("page is not a recognized image")

// Descriptor is what the UI needs to show a page.
type Descriptor struct {
	Path        string  `json:"path,omitempty"`
	AspectRatio float64 `json:"aspect_ratio"`
	NoData      bool    `json:"no_data,omitempty"`
}

// NoDataDescriptor describes a page without raster content.
func NoDataDescriptor() Descriptor {
	return Descriptor{AspectRatio: imagemeta.NoDataAspect, NoData: true}
}

// Entry owns one page file. The file exists until Close, which removes it exactly once.
type Entry struct {
	fs     afero.Fs
	path   string
	aspect float64
	once   sync.Once
}

// New sniffs data, then writes it to path. Nothing is written when data is not an image.
func New(fsys afero.Fs, data []byte, path string) (*Entry, error) {
	info, err := imagemeta.Sniff(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", filepath.Base(path), ErrDecode, err)
	}
	if err := afero.WriteFile(fsys, path, data, 0644); err != nil {
		return nil, fmt.Errorf("write page %s: %w", path, err)
	}
	return &Entry{fs: fsys, path: path, aspect: info.AspectRatio()}, nil
}

func (e *Entry) Data() Descriptor {
	return Descriptor{Path: e.path, AspectRatio: e.aspect}
}

// Close removes the file. Failures are logged and never returned.
func (e *Entry) Close() {
	e.once.Do(func() {
		if err := e.fs.Remove(e.path); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove cached page", "path", e.path, "err", err)
		}
	})
}

// Store owns the cache root directory.
type Store struct {
	fs   afero.Fs
	root string
}

func NewStore(fsys afero.Fs, root string) *Store {
	return &Store{fs: fsys, root: root}
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Dir creates and returns <root>/<hex identity>.
func (s *Store) Dir(id identity.Identity) (string, error) {
	dir := filepath.Join(s.root, id.Hex())
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	return dir, nil
}

// PagePath is the file for page index inside dir.
func PagePath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%04d", index))
}

// Sweep removes empty directories under the root, deepest first. The root itself is kept.
func (s *Store) Sweep() (int, error) {
	var dirs []string
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() && p != s.root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", s.root, err)
	}

	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	removed := 0
	for _, d := range dirs {
		empty, err := afero.IsEmpty(s.fs, d)
		if err != nil || !empty {
			continue
		}
		if err := s.fs.Remove(d); err != nil {
			logger.Warn("Failed to remove empty cache dir", "dir", d, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Debug("Swept empty cache directories", "root", s.root, "removed", removed)
	}
	return removed, nil
}
