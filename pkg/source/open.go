package source

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"pageview/pkg/formats"
	"pageview/pkg/identity"
	"pageview/pkg/logger"
)

// Opener picks the backend for a path and builds the Source.
type Opener struct {
	reg       *formats.Registry
	fs        afero.Fs
	ignored   map[string]struct{}
	pdfHeight int
}

type OpenerOption func(*Opener)

// WithFs replaces the OS filesystem, mostly for tests.
func WithFs(fsys afero.Fs) OpenerOption {
	return func(o *Opener) { o.fs = fsys }
}

// WithIgnoredDirs sets directory names skipped inside plain directories.
func WithIgnoredDirs(names []string) OpenerOption {
	return func(o *Opener) {
		o.ignored = make(map[string]struct{}, len(names))
		for _, n := range names {
			o.ignored[n] = struct{}{}
		}
	}
}

// WithPDFDefaultHeight sets the raster height used when a rendered PDF page has no embedded image.
func WithPDFDefaultHeight(h int) OpenerOption {
	return func(o *Opener) {
		if h > 0 {
			o.pdfHeight = h
		}
	}
}

func NewOpener(reg *formats.Registry, opts ...OpenerOption) *Opener {
	o := &Opener{
		reg:       reg,
		fs:        afero.NewOsFs(),
		ignored:   map[string]struct{}{},
		pdfHeight: 2000,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Fs is the filesystem the opener reads from.
func (o *Opener) Fs() afero.Fs {
	return o.fs
}

// Open builds the source for path, trying every password in order for encrypted containers.
func (o *Opener) Open(path string, passwords [][]byte) (Source, error) {
	start := time.Now()
	info, err := o.fs.Stat(path)
	if err != nil {
		return nil, ioError("stat", path, err)
	}
	if info.IsDir() {
		src, err := openDirectory(o.fs, path, o.reg, o.ignored)
		if err != nil {
			return nil, err
		}
		logger.Debug("Opened directory", "path", path, "pages", src.PageCount(), "took", time.Since(start))
		return src, nil
	}

	kind, filter := o.reg.Detect(path)
	if kind == formats.KindUnknown {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupportedFormat)
	}
	pw := newPasswordSet(passwords)

	var src Source
	if _, split := formats.SplitSevenZipBase(filepath.Base(path)); split && kind == formats.KindSevenZip {
		src, err = o.openSplitSevenZip(path, pw)
	} else {
		src, err = o.openFile(path, kind, filter, pw)
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("Opened container", "path", path, "kind", kind.String(), "pages", src.PageCount(),
		"random_access", src.RandomAccess(), "took", time.Since(start))
	return src, nil
}

func (o *Opener) openFile(path string, kind formats.Kind, filter formats.Filter, pw *passwordSet) (Source, error) {
	f, err := o.fs.Open(path)
	if err != nil {
		return nil, ioError("open", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioError("stat", path, err)
	}
	size := info.Size()

	id, err := identity.FromReader(io.NewSectionReader(f, 0, size))
	if err != nil {
		f.Close()
		return nil, ioError("hash", path, err)
	}

	var src Source
	switch kind {
	case formats.KindZip:
		src, err = openZip(f, size, f, id, o.reg, pw)
	case formats.KindSevenZip:
		src, err = openSevenZip(f, size, f, id, o.reg, pw)
	case formats.KindRar:
		src, err = openRar(o.fs, path, id, o.reg, pw)
		f.Close()
	case formats.KindEpub:
		src, err = openEpub(f, size, f, id, pw)
	case formats.KindPDF:
		src, err = openPDF(f, size, id, pw, o.pdfHeight)
		f.Close()
	case formats.KindTar:
		src, err = openTar(f, size, filter, id, o.reg)
		f.Close()
	case formats.KindMobi:
		src, err = openMobi(f, size, id)
		f.Close()
	default:
		f.Close()
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupportedFormat)
	}
	if err != nil {
		if kind == formats.KindZip || kind == formats.KindSevenZip || kind == formats.KindEpub {
			f.Close()
		}
		return nil, err
	}
	return src, nil
}

func (o *Opener) openSplitSevenZip(path string, pw *passwordSet) (Source, error) {
	vols, err := openSevenZipVolumes(o.fs, path)
	if err != nil {
		return nil, err
	}
	id, err := identity.FromReader(io.NewSectionReader(vols, 0, vols.Size()))
	if err != nil {
		vols.Close()
		return nil, ioError("hash", path, err)
	}
	src, err := openSevenZip(vols, vols.Size(), vols, id, o.reg, pw)
	if err != nil {
		vols.Close()
		return nil, err
	}
	logger.Debug("Joined split 7z volumes", "first", path, "volumes", len(vols.files))
	return src, nil
}
