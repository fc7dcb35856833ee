package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/javi11/rardecode/v2"
	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"

	"pageview/pkg/formats"
	"pageview/pkg/identity"
	"pageview/pkg/logger"
)

// rarSource re-reads the archive stream for each request; rar headers are only reachable in order.
type rarSource struct {
	fs        afero.Fs
	path      string
	password  string
	id        identity.Identity
	names     []string
	index     map[string]int
	solid     bool
	passwords *passwordSet
}

func openRar(fsys afero.Fs, path string, id identity.Identity, reg *formats.Registry, pw *passwordSet) (*rarSource, error) {
	locked := false
	for _, candidate := range pw.attempts() {
		names, solid, err := scanRar(fsys, path, string(candidate), reg)
		if err != nil {
			if errors.Is(err, ErrIO) {
				return nil, err
			}
			if isRarPasswordError(err) {
				locked = true
				continue
			}
			return nil, err
		}
		src := &rarSource{
			fs:        fsys,
			path:      path,
			password:  string(candidate),
			id:        id,
			names:     names,
			index:     make(map[string]int, len(names)),
			solid:     solid,
			passwords: pw,
		}
		for i, n := range names {
			src.index[n] = i
		}
		if len(names) > 0 {
			if _, err := src.PageBytes(0); err != nil {
				if isRarPasswordError(err) {
					locked = true
					continue
				}
				return nil, err
			}
		}
		return src, nil
	}
	if locked {
		return nil, needPassword("rar archive")
	}
	return nil, decodeError("rar archive", errors.New("no readable headers"))
}

func (s *rarSource) openStream() (*rardecode.Reader, io.Closer, error) {
	return openRarStream(s.fs, s.path, s.password)
}

func openRarStream(fsys afero.Fs, path, password string) (*rardecode.Reader, io.Closer, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, nil, ioError("open", path, err)
	}
	var opts []rardecode.Option
	if password != "" {
		opts = append(opts, rardecode.Password(password))
	}
	r, err := rardecode.NewReader(f, opts...)
	if err != nil {
		f.Close()
		return nil, nil, decodeError("read rar header", err)
	}
	return r, f, nil
}

// scanRar lists page names in sorted order and reports whether any entry depends on the previous one.
func scanRar(fsys afero.Fs, path, password string, reg *formats.Registry) ([]string, bool, error) {
	r, closer, err := openRarStream(fsys, path, password)
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	var names []string
	solid := false
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, decodeError("read rar entry", err)
		}
		if hdr.Solid {
			solid = true
		}
		if hdr.IsDir || !reg.IsImage(hdr.Name) {
			continue
		}
		names = append(names, hdr.Name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		return norm.NFC.String(names[i]) < norm.NFC.String(names[j])
	})
	return names, solid, nil
}

func isRarPasswordError(err error) bool {
	return errors.Is(err, rardecode.ErrBadPassword) ||
		errors.Is(err, rardecode.ErrArchiveEncrypted) ||
		errors.Is(err, rardecode.ErrArchivedFileEncrypted)
}

func (s *rarSource) PageCount() int { return len(s.names) }
func (s *rarSource) Identity() identity.Identity { return s.id }
func (s *rarSource) RandomAccess() bool { return !s.solid }

func (s *rarSource) PageBytes(index int) ([]byte, error) {
	if index < 0 || index >= len(s.names) {
		return nil, nil
	}
	target := s.names[index]
	r, closer, err := s.openStream()
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return nil, decodeError(target, fmt.Errorf("entry vanished from archive"))
		}
		if err != nil {
			return nil, decodeError(target, err)
		}
		if hdr.Name != target {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			// RAR4 has no password check value; a wrong key shows up as a checksum mismatch
			if hdr.Encrypted && errors.Is(err, rardecode.ErrBadFileChecksum) {
				err = fmt.Errorf("%w: %w", rardecode.ErrBadPassword, err)
			}
			return nil, decodeError(target, err)
		}
		return data, nil
	}
}

// DecodeAll reads every entry in a single forward pass.
func (s *rarSource) DecodeAll(ctx context.Context, out chan<- Page) error {
	defer close(out)
	r, closer, err := s.openStream()
	if err != nil {
		return err
	}
	defer closer.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return decodeError("read rar entry", err)
		}
		idx, ok := s.index[hdr.Name]
		if !ok {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			logger.Warn("Failed to decode rar entry", "name", hdr.Name, "err", err)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- Page{Index: idx, Data: data}:
		}
	}
}

func (s *rarSource) TryPassword(pw []byte) bool {
	return s.passwords.add(pw)
}

func (s *rarSource) Close() error {
	return nil
}
