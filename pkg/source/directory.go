package source

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"pageview/pkg/formats"
	"pageview/pkg/identity"
)

type directorySource struct {
	fs    afero.Fs
	root  string
	id    identity.Identity
	files []string // slash separated, relative to root
}

// openDirectory lists image files below root, skipping hidden entries and ignored directory names.
func openDirectory(fsys afero.Fs, root string, reg *formats.Registry, ignored map[string]struct{}) (*directorySource, error) {
	var files []string
	err := afero.Walk(fsys, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		name := info.Name()
		if info.IsDir() {
			if _, skip := ignored[name]; skip || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !info.Mode().IsRegular() || !reg.IsImage(name) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, ioError("walk", root, err)
	}
	sort.Strings(files)

	return &directorySource{
		fs:    fsys,
		root:  root,
		id:    identity.FromNames(files),
		files: files,
	}, nil
}

func (s *directorySource) PageCount() int { return len(s.files) }
func (s *directorySource) Identity() identity.Identity { return s.id }
func (s *directorySource) RandomAccess() bool { return true }
func (s *directorySource) TryPassword([]byte) bool { return false }
func (s *directorySource) Close() error { return nil }

func (s *directorySource) PageBytes(index int) ([]byte, error) {
	if index < 0 || index >= len(s.files) {
		return nil, nil
	}
	full := filepath.Join(s.root, filepath.FromSlash(s.files[index]))
	data, err := afero.ReadFile(s.fs, full)
	if err != nil {
		return nil, ioError("read", full, err)
	}
	return data, nil
}
