package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/javi11/rardecode/v2"
	"github.com/javi11/sevenzip"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/spf13/afero"
)

func drain(t *testing.T, seq Sequential) map[int][]byte {
	t.Helper()
	out := make(chan Page, 1)
	errc := make(chan error, 1)
	go func() { errc <- seq.DecodeAll(context.Background(), out) }()

	got := map[int][]byte{}
	for p := range out {
		if _, dup := got[p.Index]; dup {
			t.Errorf("page %d decoded twice", p.Index)
		}
		got[p.Index] = p.Data
	}
	if err := <-errc; err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	return got
}

func openFixture(t *testing.T, fixture, name string) Source {
	t.Helper()
	data, err := os.ReadFile(fixture)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, name, data)
	src, err := newTestOpener(fsys).Open(name, nil)
	if err != nil {
		t.Fatalf("Open %s: %v", name, err)
	}
	t.Cleanup(func() { src.Close() })
	return src
}

// testdata/solid.7z holds p01..p03.png (tagged 1..3) and notes.txt in one LZMA folder.
func TestOpenSolidSevenZip(t *testing.T) {
	setupLogger(t)
	src := openFixture(t, "testdata/solid.7z", "/books/solid.7z")

	if src.PageCount() != 3 {
		t.Fatalf("PageCount = %d, want 3", src.PageCount())
	}
	if src.RandomAccess() {
		t.Fatal("files sharing a compressed folder must be decoded sequentially")
	}
	seq, ok := src.(Sequential)
	if !ok {
		t.Fatal("solid 7z does not implement Sequential")
	}
	got := drain(t, seq)
	if len(got) != src.PageCount() {
		t.Fatalf("DecodeAll produced %d pages, want %d", len(got), src.PageCount())
	}
	for i := 0; i < src.PageCount(); i++ {
		if tag := pngTag(t, got[i]); tag != uint8(i+1) {
			t.Errorf("page %d has tag %d", i, tag)
		}
	}
}

// testdata/stored.7z has the same files with the copy method.
func TestOpenStoredSevenZipIsRandomAccess(t *testing.T) {
	setupLogger(t)
	src := openFixture(t, "testdata/stored.7z", "/books/stored.cb7")

	if !src.RandomAccess() {
		t.Fatal("stored 7z should allow random access")
	}
	data, err := src.PageBytes(2)
	if err != nil {
		t.Fatalf("PageBytes(2): %v", err)
	}
	if tag := pngTag(t, data); tag != 3 {
		t.Errorf("page 2 has tag %d", tag)
	}
}

func TestOpenRar(t *testing.T) {
	setupLogger(t)
	entries := []entry{
		{"b.png", pngBytes(t, 2, 2, 2)},
		{"readme.txt", []byte("skip")},
		{"a.png", pngBytes(t, 2, 4, 1)},
	}
	for _, solid := range []bool{false, true} {
		t.Run(fmt.Sprintf("solid=%v", solid), func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			writeFile(t, fsys, "/comic.cbr", rar5Bytes(rarOptions{solid: solid}, entries...))
			src, err := newTestOpener(fsys).Open("/comic.cbr", nil)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer src.Close()

			if src.PageCount() != 2 || src.RandomAccess() == solid {
				t.Fatalf("pages %d, random access %v", src.PageCount(), src.RandomAccess())
			}
			data, err := src.PageBytes(1)
			if err != nil || pngTag(t, data) != 2 {
				t.Fatalf("PageBytes(1) err %v", err)
			}
			got := drain(t, src.(Sequential))
			if len(got) != 2 || pngTag(t, got[0]) != 1 || pngTag(t, got[1]) != 2 {
				t.Errorf("DecodeAll pages %v", len(got))
			}
		})
	}
}

func TestCorruptRarPageIsNotAPasswordPrompt(t *testing.T) {
	setupLogger(t)
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/bad.rar", rar5Bytes(rarOptions{badFirst: true}, entry{"a.png", pngBytes(t, 2, 2, 1)}))

	_, err := newTestOpener(fsys).Open("/bad.rar", [][]byte{[]byte("guess")})
	if !errors.Is(err, ErrDecode) || errors.Is(err, ErrNeedPassword) {
		t.Fatalf("err = %v, want a decode error", err)
	}
}

func TestPasswordErrorClassification(t *testing.T) {
	wrapped := func(err error) error { return decodeError("entry", err) }
	rarTests := []struct {
		err  error
		want bool
	}{
		{wrapped(rardecode.ErrBadPassword), true},
		{wrapped(rardecode.ErrArchiveEncrypted), true},
		{wrapped(rardecode.ErrArchivedFileEncrypted), true},
		{wrapped(rardecode.ErrUnknownEncryptMethod), false},
		{wrapped(rardecode.ErrCorruptEncryptData), false},
		{wrapped(rardecode.ErrBadFileChecksum), false},
	}
	for _, tt := range rarTests {
		if got := isRarPasswordError(tt.err); got != tt.want {
			t.Errorf("isRarPasswordError(%v) = %v", tt.err, got)
		}
	}

	sevenTests := []struct {
		err  error
		want bool
	}{
		{wrapped(&sevenzip.ReadError{Encrypted: true, Err: io.ErrUnexpectedEOF}), true},
		{wrapped(&sevenzip.ReadError{Err: io.ErrUnexpectedEOF}), false},
		{wrapped(errSevenZipWrongKey), true},
		{errors.New("unsupported encryption password scheme"), false},
	}
	for _, tt := range sevenTests {
		if got := isSevenZipPasswordError(tt.err); got != tt.want {
			t.Errorf("isSevenZipPasswordError(%v) = %v", tt.err, got)
		}
	}
}

// pdfWithImageAndBlankPage builds page 1 from an imported PNG and appends a vector-only page 2.
func pdfWithImageAndBlankPage(t *testing.T, img []byte) []byte {
	t.Helper()
	pdfConfigOnce.Do(api.DisableConfigDir)
	var one bytes.Buffer
	if err := api.ImportImages(nil, &one, []io.Reader{bytes.NewReader(img)}, nil, nil); err != nil {
		t.Fatalf("ImportImages: %v", err)
	}
	var two bytes.Buffer
	if err := api.InsertPages(bytes.NewReader(one.Bytes()), &two, []string{"1"}, false, nil, nil); err != nil {
		t.Fatalf("InsertPages: %v", err)
	}
	return two.Bytes()
}

func TestOpenPDF(t *testing.T) {
	setupLogger(t)
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/doc.pdf", pdfWithImageAndBlankPage(t, pngBytes(t, 8, 16, 5)))

	src, err := newTestOpener(fsys).Open("/doc.pdf", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.PageCount() != 2 || !src.RandomAccess() {
		t.Fatalf("pages %d, random access %v", src.PageCount(), src.RandomAccess())
	}
	data, err := src.PageBytes(0)
	if err != nil || len(data) == 0 {
		t.Fatalf("image page: %d bytes, err %v", len(data), err)
	}
	data, err = src.PageBytes(1)
	if err != nil || len(data) != 0 {
		t.Errorf("vector page: %d bytes, err %v; want nothing", len(data), err)
	}
	if data, err := src.PageBytes(2); data != nil || err != nil {
		t.Errorf("out of range page: %d bytes, err %v", len(data), err)
	}
}
