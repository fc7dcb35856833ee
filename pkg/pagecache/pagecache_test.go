package pagecache

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"pageview/pkg/identity"
	"pageview/pkg/logger"
	"pageview/pkg/paths"
)

func setup(t *testing.T) {
	t.Helper()
	t.Setenv(paths.DataDirEnv, t.TempDir())
	logger.Init("DEBUG")
}

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEntryLifecycle(t *testing.T) {
	setup(t)
	fsys := afero.NewOsFs()
	path := filepath.Join(t.TempDir(), "0007")

	e, err := New(fsys, pngOf(t, 300, 600), path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should exist while the entry lives: %v", err)
	}
	d := e.Data()
	if d.Path != path || math.Abs(d.AspectRatio-0.5) > 1e-9 || d.NoData {
		t.Errorf("unexpected descriptor %+v", d)
	}

	e.Close()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should be gone after Close, stat err = %v", err)
	}

	// a second file at the same path must survive a repeated Close
	if err := os.WriteFile(path, []byte("other owner"), 0644); err != nil {
		t.Fatal(err)
	}
	e.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("second Close removed a file it does not own: %v", err)
	}
}

func TestNewRejectsNonImage(t *testing.T) {
	setup(t)
	fsys := afero.NewMemMapFs()
	_, err := New(fsys, []byte("garbage"), "/cache/0000")
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
	if exists, _ := afero.Exists(fsys, "/cache/0000"); exists {
		t.Error("no file should be written for a non-image")
	}
}

func TestCloseLogsMissingFile(t *testing.T) {
	setup(t)
	fsys := afero.NewMemMapFs()
	e, err := New(fsys, pngOf(t, 2, 2), "/c/0001")
	if err != nil {
		t.Fatal(err)
	}
	fsys.Remove("/c/0001")
	e.Close() // must not panic or propagate
}

func TestStoreLayoutAndSweep(t *testing.T) {
	setup(t)
	fsys := afero.NewMemMapFs()
	store := NewStore(fsys, "/data/cache")
	id := identity.FromBytes([]byte("book"))

	dir, err := store.Dir(id)
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if dir != filepath.Join("/data/cache", id.Hex()) {
		t.Errorf("dir %s", dir)
	}
	if got := PagePath(dir, 12); filepath.Base(got) != "0012" {
		t.Errorf("page file name %s", got)
	}

	busy, _ := store.Dir(identity.FromBytes([]byte("busy")))
	if _, err := New(fsys, pngOf(t, 1, 1), PagePath(busy, 0)); err != nil {
		t.Fatal(err)
	}
	fsys.MkdirAll("/data/cache/nested/empty", 0755)

	removed, err := store.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed %d dirs, want 3", removed)
	}
	if ok, _ := afero.DirExists(fsys, dir); ok {
		t.Error("empty identity dir survived sweep")
	}
	if ok, _ := afero.DirExists(fsys, busy); !ok {
		t.Error("non-empty dir was swept")
	}
	if ok, _ := afero.DirExists(fsys, "/data/cache"); !ok {
		t.Error("root must be kept")
	}
}

func TestSweepMissingRoot(t *testing.T) {
	setup(t)
	store := NewStore(afero.NewMemMapFs(), "/nowhere")
	if n, err := store.Sweep(); err != nil || n != 0 {
		t.Fatalf("Sweep on missing root = %d, %v", n, err)
	}
}

func TestNoDataDescriptor(t *testing.T) {
	d := NoDataDescriptor()
	if !d.NoData || d.Path != "" || math.Abs(d.AspectRatio-210.0/297.0) > 1e-9 {
		t.Errorf("unexpected %+v", d)
	}
}
