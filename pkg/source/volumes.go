package source

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"pageview/pkg/formats"
)

// Part is one volume of a split archive.
type Part struct {
	Reader io.ReaderAt
	Offset int64 // Start offset in the underlying reader
	Size   int64
}

// ConcatenatedReaderAt presents several volumes as one contiguous ReaderAt.
type ConcatenatedReaderAt struct {
	parts  []Part
	starts []int64
	total  int64
}

func NewConcatenatedReaderAt(parts []Part) *ConcatenatedReaderAt {
	c := &ConcatenatedReaderAt{parts: parts, starts: make([]int64, len(parts))}
	for i, p := range parts {
		c.starts[i] = c.total
		c.total += p.Size
	}
	return c
}

func (c *ConcatenatedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("concatenated reader: negative offset")
	}
	if off >= c.total {
		return 0, io.EOF
	}

	// first part whose end lies past off
	idx := sort.Search(len(c.parts), func(i int) bool {
		return c.starts[i]+c.parts[i].Size > off
	})

	n := 0
	for idx < len(c.parts) && n < len(p) {
		part := c.parts[idx]
		within := off + int64(n) - c.starts[idx]
		want := int64(len(p) - n)
		if avail := part.Size - within; want > avail {
			want = avail
		}
		got, err := part.Reader.ReadAt(p[n:n+int(want)], part.Offset+within)
		n += got
		if err != nil && err != io.EOF {
			return n, err
		}
		if int64(got) < want {
			return n, io.ErrUnexpectedEOF
		}
		idx++
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (c *ConcatenatedReaderAt) Size() int64 {
	return c.total
}

// volumeSet holds the opened files of a split archive in volume order.
type volumeSet struct {
	names []string
	files []afero.File
	*ConcatenatedReaderAt
}

func (v *volumeSet) Close() error {
	var errs []error
	for _, f := range v.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

// openSevenZipVolumes finds every "<base>.NNN" sibling of path and opens them in numeric order.
// Volumes must be contiguous from 1.
func openSevenZipVolumes(fsys afero.Fs, path string) (*volumeSet, error) {
	base, ok := formats.SplitSevenZipBase(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("%s: not a split 7z volume: %w", path, ErrUnsupportedFormat)
	}
	dir := filepath.Dir(path)
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, ioError("list", dir, err)
	}

	type volume struct {
		name string
		num  int
	}
	var vols []volume
	prefix := strings.ToLower(base) + "."
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lower := strings.ToLower(e.Name())
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		num, err := strconv.Atoi(lower[len(prefix):])
		if err != nil {
			continue
		}
		vols = append(vols, volume{name: e.Name(), num: num})
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].num < vols[j].num })

	set := &volumeSet{}
	var parts []Part
	for i, v := range vols {
		if v.num != i+1 {
			set.Close()
			return nil, fmt.Errorf("%s: volume %d missing: %w", base, i+1, ErrIO)
		}
		full := filepath.Join(dir, v.name)
		f, err := fsys.Open(full)
		if err != nil {
			set.Close()
			return nil, ioError("open", full, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			set.Close()
			return nil, ioError("stat", full, err)
		}
		set.files = append(set.files, f)
		set.names = append(set.names, full)
		parts = append(parts, Part{Reader: f, Size: info.Size()})
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%s: no volumes found: %w", base, ErrIO)
	}
	set.ConcatenatedReaderAt = NewConcatenatedReaderAt(parts)
	return set, nil
}
