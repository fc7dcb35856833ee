package source

import (
	"context"
	"errors"
	"io"
	"sort"

	"github.com/javi11/sevenzip"
	"golang.org/x/text/unicode/norm"

	"pageview/pkg/formats"
	"pageview/pkg/identity"
	"pageview/pkg/imagemeta"
	"pageview/pkg/logger"
)

type sevenZipSource struct {
	closer    io.Closer
	reader    *sevenzip.Reader
	id        identity.Identity
	pages     []*sevenzip.File
	index     map[string]int
	solid     bool
	encrypted map[string]bool
	passwords *passwordSet
}

func openSevenZip(ra io.ReaderAt, size int64, closer io.Closer, id identity.Identity, reg *formats.Registry, pw *passwordSet) (*sevenZipSource, error) {
	var lastErr error
	locked := false
	for _, candidate := range pw.attempts() {
		r, err := sevenzip.NewReaderWithPassword(ra, size, string(candidate))
		if err != nil {
			if isSevenZipPasswordError(err) {
				locked = true
				continue
			}
			return nil, decodeError("read 7z header", err)
		}

		src := newSevenZipSource(r, closer, id, reg, pw)
		if err := src.verify(); err != nil {
			if isSevenZipPasswordError(err) {
				locked = true
				lastErr = err
				continue
			}
			return nil, err
		}
		return src, nil
	}
	if locked {
		if lastErr != nil {
			logger.Debug("No candidate unlocked 7z archive", "err", lastErr)
		}
		return nil, needPassword("7z archive")
	}
	return nil, decodeError("7z archive", lastErr)
}

func newSevenZipSource(r *sevenzip.Reader, closer io.Closer, id identity.Identity, reg *formats.Registry, pw *passwordSet) *sevenZipSource {
	var pages []*sevenzip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !reg.IsImage(f.Name) {
			continue
		}
		pages = append(pages, f)
	}
	sort.SliceStable(pages, func(i, j int) bool {
		return norm.NFC.String(pages[i].Name) < norm.NFC.String(pages[j].Name)
	})
	index := make(map[string]int, len(pages))
	for i, f := range pages {
		index[f.Name] = i
	}
	solid, encrypted := sevenZipLayout(r)
	return &sevenZipSource{
		closer:    closer,
		reader:    r,
		id:        id,
		pages:     pages,
		index:     index,
		solid:     solid,
		encrypted: encrypted,
		passwords: pw,
	}
}

// verify decodes the first page so a wrong password fails at open instead of per page.
// Without per-file checksums a wrong key can also decode to garbage, so an encrypted first
// page that does not sniff as an image counts as a wrong key.
func (s *sevenZipSource) verify() error {
	if len(s.pages) == 0 {
		return nil
	}
	first := s.pages[0]
	data, err := readSevenZipFile(first)
	if err != nil {
		return err
	}
	if s.encrypted[first.Name] && !imagemeta.IsImage(data) {
		return decodeError(first.Name, errSevenZipWrongKey)
	}
	return nil
}

// sevenZipLayout reports whether two non-empty compressed files share one folder, in which
// case every extraction decompresses the folder from its start. It also lists the files whose
// folder is encrypted. Archives whose layout cannot be listed are handled as solid.
func sevenZipLayout(r *sevenzip.Reader) (solid bool, encrypted map[string]bool) {
	encrypted = map[string]bool{}
	infos, err := r.ListFilesWithOffsets()
	if err != nil {
		return true, encrypted
	}
	perFolder := make(map[int]int, len(infos))
	for _, fi := range infos {
		if fi.Encrypted {
			encrypted[fi.Name] = true
		}
		if !fi.Compressed || fi.Size == 0 {
			continue
		}
		perFolder[fi.FolderIndex]++
		if perFolder[fi.FolderIndex] > 1 {
			solid = true
		}
	}
	return solid, encrypted
}

var errSevenZipWrongKey = errors.New("decrypted data is not an image")

// isSevenZipPasswordError matches read failures inside encrypted folders and the wrong-key check.
func isSevenZipPasswordError(err error) bool {
	if errors.Is(err, errSevenZipWrongKey) {
		return true
	}
	var re *sevenzip.ReadError
	return errors.As(err, &re) && re.Encrypted
}

func readSevenZipFile(f *sevenzip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, decodeError(f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, decodeError(f.Name, err)
	}
	return data, nil
}

func (s *sevenZipSource) PageCount() int { return len(s.pages) }
func (s *sevenZipSource) Identity() identity.Identity { return s.id }
func (s *sevenZipSource) RandomAccess() bool { return !s.solid }

func (s *sevenZipSource) PageBytes(index int) ([]byte, error) {
	if index < 0 || index >= len(s.pages) {
		return nil, nil
	}
	return readSevenZipFile(s.pages[index])
}

// DecodeAll walks the archive in physical order so each solid block is decompressed once.
func (s *sevenZipSource) DecodeAll(ctx context.Context, out chan<- Page) error {
	defer close(out)
	for _, f := range s.reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx, ok := s.index[f.Name]
		if !ok {
			continue
		}
		data, err := readSevenZipFile(f)
		if err != nil {
			logger.Warn("Failed to decode 7z entry", "name", f.Name, "err", err)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- Page{Index: idx, Data: data}:
		}
	}
	return nil
}

func (s *sevenZipSource) TryPassword(pw []byte) bool {
	return s.passwords.add(pw)
}

func (s *sevenZipSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
