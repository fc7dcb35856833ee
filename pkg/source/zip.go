package source

import (
	"io"
	"sort"

	"github.com/yeka/zip"
	"golang.org/x/text/unicode/norm"

	"pageview/pkg/formats"
	"pageview/pkg/identity"
)

type zipSource struct {
	closer    io.Closer
	id        identity.Identity
	pages     []*zip.File
	passwords *passwordSet
}

func openZip(ra io.ReaderAt, size int64, closer io.Closer, id identity.Identity, reg *formats.Registry, pw *passwordSet) (*zipSource, error) {
	zr, err := openZipReader(ra, size, pw)
	if err != nil {
		return nil, err
	}

	var pages []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !reg.IsImage(f.Name) {
			continue
		}
		pages = append(pages, f)
	}
	sort.SliceStable(pages, func(i, j int) bool {
		return norm.NFC.String(pages[i].Name) < norm.NFC.String(pages[j].Name)
	})

	return &zipSource{closer: closer, id: id, pages: pages, passwords: pw}, nil
}

// openZipReader parses the central directory and unlocks encrypted entries with the first
// candidate that decrypts the first encrypted entry.
func openZipReader(ra io.ReaderAt, size int64, pw *passwordSet) (*zip.Reader, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, decodeError("read zip directory", err)
	}

	var locked *zip.File
	for _, f := range zr.File {
		if f.IsEncrypted() {
			locked = f
			break
		}
	}
	if locked == nil {
		return zr, nil
	}

	for _, candidate := range pw.attempts() {
		if candidate == nil {
			continue
		}
		if !zipPasswordOpens(locked, string(candidate)) {
			continue
		}
		for _, f := range zr.File {
			if f.IsEncrypted() {
				f.SetPassword(string(candidate))
			}
		}
		return zr, nil
	}
	return nil, needPassword(locked.Name)
}

func zipPasswordOpens(f *zip.File, password string) bool {
	f.SetPassword(password)
	rc, err := f.Open()
	if err != nil {
		return false
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err == nil
}

func readZipFile(f *zip.File) ([]byte, error) {
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

func (s *zipSource) PageCount() int { return len(s.pages) }
func (s *zipSource) Identity() identity.Identity { return s.id }
func (s *zipSource) RandomAccess() bool { return true }

func (s *zipSource) PageBytes(index int) ([]byte, error) {
	if index < 0 || index >= len(s.pages) {
		return nil, nil
	}
	return readZipFile(s.pages[index])
}

func (s *zipSource) TryPassword(pw []byte) bool {
	return s.passwords.add(pw)
}

func (s *zipSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// PageNames lists the entry names in page order.
func (s *zipSource) PageNames() []string {
	names := make([]string, len(s.pages))
	for i, f := range s.pages {
		names[i] = f.Name
	}
	return names
}
