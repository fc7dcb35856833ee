package source

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"

	"pageview/pkg/identity"
)

func TestOpenZipFiltersAndSorts(t *testing.T) {
	setupLogger(t)
	fsys := afero.NewMemMapFs()
	data := zipBytes(t, "",
		entry{"b.png", pngBytes(t, 4, 4, 2)},
		entry{"notes.txt", []byte("hello")},
		entry{"a.png", pngBytes(t, 4, 4, 1)},
		entry{"sub/c.PNG", pngBytes(t, 4, 4, 3)},
	)
	writeFile(t, fsys, "/books/comic.cbz", data)

	src, err := newTestOpener(fsys).Open("/books/comic.cbz", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.PageCount() != 3 {
		t.Fatalf("expected 3 pages, got %d", src.PageCount())
	}
	if src.Identity() != identity.FromBytes(data) {
		t.Error("identity is not the hash of the file bytes")
	}
	if !src.RandomAccess() {
		t.Error("zip should be random access")
	}
	for i, want := range []uint8{1, 2, 3} {
		page, err := src.PageBytes(i)
		if err != nil {
			t.Fatalf("PageBytes(%d): %v", i, err)
		}
		if got := pngTag(t, page); got != want {
			t.Errorf("page %d tag %d, want %d", i, got, want)
		}
	}
	if page, err := src.PageBytes(3); err != nil || len(page) != 0 {
		t.Errorf("out of range should be empty, got %d bytes err %v", len(page), err)
	}
	if src.TryPassword([]byte("x")) != true || src.TryPassword([]byte("x")) != false {
		t.Error("TryPassword should report new candidates once")
	}
}

func TestOpenEncryptedZip(t *testing.T) {
	setupLogger(t)
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/locked.zip", zipBytes(t, "secret",
		entry{"01.png", pngBytes(t, 2, 2, 7)},
		entry{"02.png", pngBytes(t, 2, 2, 8)},
	))
	op := newTestOpener(fsys)

	if _, err := op.Open("/locked.zip", nil); !errors.Is(err, ErrNeedPassword) {
		t.Fatalf("no password: err = %v, want ErrNeedPassword", err)
	}
	if _, err := op.Open("/locked.zip", [][]byte{[]byte("wrong")}); !errors.Is(err, ErrNeedPassword) {
		t.Fatalf("wrong password: err = %v, want ErrNeedPassword", err)
	}

	src, err := op.Open("/locked.zip", [][]byte{[]byte("wrong"), []byte("secret")})
	if err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
	defer src.Close()
	for i, want := range []uint8{7, 8} {
		page, err := src.PageBytes(i)
		if err != nil {
			t.Fatalf("PageBytes(%d): %v", i, err)
		}
		if pngTag(t, page) != want {
			t.Errorf("page %d decrypted wrong", i)
		}
	}
}

func TestOpenTarVariants(t *testing.T) {
	setupLogger(t)
	raw := tarBytes(t,
		entry{"./vol/002.png", pngBytes(t, 3, 3, 2)},
		entry{"./vol/001.png", pngBytes(t, 3, 3, 1)},
		entry{"./vol/readme.md", []byte("#")},
	)

	compress := func(t *testing.T, name string) []byte {
		var buf bytes.Buffer
		switch name {
		case "gz":
			w := gzip.NewWriter(&buf)
			w.Write(raw)
			w.Close()
		case "zst":
			w, err := zstd.NewWriter(&buf)
			if err != nil {
				t.Fatal(err)
			}
			w.Write(raw)
			w.Close()
		case "xz":
			w, err := xz.NewWriter(&buf)
			if err != nil {
				t.Fatal(err)
			}
			w.Write(raw)
			w.Close()
		case "lz4":
			w := lz4.NewWriter(&buf)
			w.Write(raw)
			w.Close()
		case "br":
			w := brotli.NewWriter(&buf)
			w.Write(raw)
			w.Close()
		default:
			return raw
		}
		return buf.Bytes()
	}

	for _, name := range []string{"pages.tar", "pages.tar.gz", "pages.tgz", "pages.tar.zst", "pages.tar.xz", "pages.tar.lz4", "pages.tar.br"} {
		t.Run(name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			var ext string
			switch {
			case name == "pages.tgz":
				ext = "gz"
			case len(name) > len("pages.tar."):
				ext = name[len("pages.tar."):]
			}
			writeFile(t, fsys, "/"+name, compress(t, ext))

			src, err := newTestOpener(fsys).Open("/"+name, nil)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer src.Close()
			if src.PageCount() != 2 {
				t.Fatalf("expected 2 pages, got %d", src.PageCount())
			}
			for i, want := range []uint8{1, 2} {
				page, err := src.PageBytes(i)
				if err != nil {
					t.Fatalf("PageBytes(%d): %v", i, err)
				}
				if pngTag(t, page) != want {
					t.Errorf("page %d out of order", i)
				}
			}
		})
	}
}

func TestOpenCorruptTar(t *testing.T) {
	setupLogger(t)
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/broken.tar.gz", []byte("not gzip at all"))
	if _, err := newTestOpener(fsys).Open("/broken.tar.gz", nil); !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestOpenDirectory(t *testing.T) {
	setupLogger(t)
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/lib/book/10.png", pngBytes(t, 2, 2, 3))
	writeFile(t, fsys, "/lib/book/02.png", pngBytes(t, 2, 2, 1))
	writeFile(t, fsys, "/lib/book/ch2/01.jpg", pngBytes(t, 2, 2, 4))
	writeFile(t, fsys, "/lib/book/03.png", pngBytes(t, 2, 2, 2))
	writeFile(t, fsys, "/lib/book/__MACOSX/._02.png", []byte("junk"))
	writeFile(t, fsys, "/lib/book/.hidden.png", []byte("junk"))
	writeFile(t, fsys, "/lib/book/info.txt", []byte("text"))

	op := newTestOpener(fsys)
	src, err := op.Open("/lib/book", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if src.PageCount() != 4 {
		t.Fatalf("expected 4 pages, got %d", src.PageCount())
	}
	for i, want := range []uint8{1, 2, 3} {
		page, err := src.PageBytes(i)
		if err != nil {
			t.Fatalf("PageBytes(%d): %v", i, err)
		}
		if pngTag(t, page) != want {
			t.Errorf("page %d out of order", i)
		}
	}
	if src.TryPassword([]byte("pw")) {
		t.Error("directories have no passwords")
	}

	// same member names in another place give the same identity
	writeFile(t, fsys, "/elsewhere/10.png", []byte("a"))
	writeFile(t, fsys, "/elsewhere/02.png", []byte("b"))
	writeFile(t, fsys, "/elsewhere/ch2/01.jpg", []byte("c"))
	writeFile(t, fsys, "/elsewhere/03.png", []byte("d"))
	other, err := op.Open("/elsewhere", nil)
	if err != nil {
		t.Fatalf("Open elsewhere: %v", err)
	}
	if other.Identity() != src.Identity() {
		t.Error("directory identity should depend on member names only")
	}
}

func TestOpenMobi(t *testing.T) {
	setupLogger(t)
	fsys := afero.NewMemMapFs()
	text := []byte("<html>chapter text</html>")
	writeFile(t, fsys, "/book.mobi", palmDB(2,
		text,
		pngBytes(t, 5, 5, 1),
		[]byte("FLIS record"),
		pngBytes(t, 5, 5, 2),
	))

	src, err := newTestOpener(fsys).Open("/book.mobi", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if src.PageCount() != 2 {
		t.Fatalf("expected 2 image records, got %d", src.PageCount())
	}
	for i, want := range []uint8{1, 2} {
		page, _ := src.PageBytes(i)
		if pngTag(t, page) != want {
			t.Errorf("record order not preserved at %d", i)
		}
	}
}

func TestOpenMobiTruncated(t *testing.T) {
	setupLogger(t)
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/short.mobi", []byte("tiny"))
	if _, err := newTestOpener(fsys).Open("/short.mobi", nil); !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestOpenErrors(t *testing.T) {
	setupLogger(t)
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/notes.txt", []byte("x"))
	writeFile(t, fsys, "/noext", []byte("x"))
	op := newTestOpener(fsys)

	tests := []struct {
		path string
		want error
	}{
		{"/notes.txt", ErrUnsupportedFormat},
		{"/noext", ErrUnsupportedFormat},
		{"/missing.zip", ErrIO},
	}
	for _, tt := range tests {
		if _, err := op.Open(tt.path, nil); !errors.Is(err, tt.want) {
			t.Errorf("Open(%s) err = %v, want %v", tt.path, err, tt.want)
		}
	}
}

func TestMissingSplitVolume(t *testing.T) {
	setupLogger(t)
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/set/book.7z.001", []byte("a"))
	writeFile(t, fsys, "/set/book.7z.003", []byte("c"))
	if _, err := newTestOpener(fsys).Open("/set/book.7z.001", nil); !errors.Is(err, ErrIO) {
		t.Fatalf("err = %v, want ErrIO for gap in volumes", err)
	}
}

func TestSplitVolumesReadAcrossParts(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/set/book.7z.002", []byte("defg"))
	writeFile(t, fsys, "/set/Book.7z.001", []byte("abc"))
	writeFile(t, fsys, "/set/book.7z.bak", []byte("ignored"))

	set, err := openSevenZipVolumes(fsys, "/set/Book.7z.001")
	if err != nil {
		t.Fatalf("openSevenZipVolumes: %v", err)
	}
	defer set.Close()

	if set.Size() != 7 || len(set.names) != 2 {
		t.Fatalf("size %d, volumes %v", set.Size(), set.names)
	}
	buf := make([]byte, 4)
	if n, err := set.ReadAt(buf, 1); err != nil || string(buf[:n]) != "bcde" {
		t.Errorf("ReadAt(1) = %q, %v", buf[:n], err)
	}
	if n, err := set.ReadAt(buf, 5); !errors.Is(err, io.EOF) || string(buf[:n]) != "fg" {
		t.Errorf("ReadAt(5) = %q, %v; want short read with EOF", buf[:n], err)
	}
	if _, err := set.ReadAt(buf, 7); !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt past end: %v", err)
	}
}

func TestEmpty(t *testing.T) {
	src := Empty()
	if src.PageCount() != 0 || !src.Identity().IsZero() || src.TryPassword([]byte("x")) {
		t.Error("empty source should have nothing")
	}
	if page, err := src.PageBytes(0); page != nil || err != nil {
		t.Error("empty source returned data")
	}
}

func TestPasswordSet(t *testing.T) {
	p := newPasswordSet([][]byte{[]byte("a"), []byte("a"), nil})
	if p.add([]byte("a")) {
		t.Error("duplicate accepted")
	}
	if !p.add([]byte("b")) {
		t.Error("new candidate rejected")
	}
	if p.add(nil) {
		t.Error("empty candidate accepted")
	}
	attempts := p.attempts()
	if len(attempts) != 3 || attempts[0] != nil || string(attempts[1]) != "a" || string(attempts[2]) != "b" {
		t.Errorf("unexpected attempts %q", attempts)
	}
}

func TestRandomAccessSourcesAreNotSequential(t *testing.T) {
	var src Source = &memorySource{pages: [][]byte{{1}}}
	if _, ok := src.(Sequential); ok {
		t.Fatal("memory source should not be sequential")
	}
	var solid Source = &sevenZipSource{solid: true}
	if _, ok := solid.(Sequential); !ok || solid.RandomAccess() {
		t.Fatal("solid 7z source must decode sequentially")
	}
}
