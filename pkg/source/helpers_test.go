package source

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/yeka/zip"

	"pageview/pkg/formats"
	"pageview/pkg/logger"
	"pageview/pkg/paths"
)

var testExts = []string{"jpg", "jpeg", "png", "bmp", "gif", "webp", "ico"}

func setupLogger(t *testing.T) {
	t.Helper()
	t.Setenv(paths.DataDirEnv, t.TempDir())
	logger.Init("DEBUG")
}

func newTestOpener(fsys afero.Fs) *Opener {
	return NewOpener(formats.NewRegistry(testExts), WithFs(fsys), WithIgnoredDirs([]string{"__MACOSX", "@eaDir"}))
}

// pngBytes encodes a w x h image whose first pixel encodes tag so pages can be told apart.
func pngBytes(t *testing.T, w, h int, tag uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: tag, G: 1, B: 2, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func pngTag(t *testing.T, data []byte) uint8 {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png decode: %v", err)
	}
	r, _, _, _ := img.At(0, 0).RGBA()
	return uint8(r >> 8)
}

type entry struct {
	name string
	data []byte
}

func zipBytes(t *testing.T, password string, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		var fw io.Writer
		var err error
		if password != "" {
			fw, err = w.Encrypt(e.name, password, zip.AES256Encryption)
		} else {
			fw, err = w.Create(e.name)
		}
		if err != nil {
			t.Fatalf("zip create %s: %v", e.name, err)
		}
		if _, err := fw.Write(e.data); err != nil {
			t.Fatalf("zip write %s: %v", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func tarBytes(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write(e.data); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

// palmDB builds a minimal BOOKMOBI file: record 0 is the header record, then the given records.
func palmDB(firstImage uint32, records ...[]byte) []byte {
	rec0 := make([]byte, 0x6C+4)
	copy(rec0[16:20], "MOBI")
	binary.BigEndian.PutUint32(rec0[0x6C:], firstImage)
	all := append([][]byte{rec0}, records...)

	header := make([]byte, 78)
	copy(header[0:], "test")
	copy(header[60:68], "BOOKMOBI")
	binary.BigEndian.PutUint16(header[76:78], uint16(len(all)))

	table := make([]byte, 8*len(all))
	offset := len(header) + len(table)
	var body []byte
	for i, rec := range all {
		binary.BigEndian.PutUint32(table[i*8:], uint32(offset+len(body)))
		body = append(body, rec...)
	}
	return append(append(header, table...), body...)
}

func writeFile(t *testing.T, fsys afero.Fs, name string, data []byte) {
	t.Helper()
	if err := afero.WriteFile(fsys, name, data, 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func rarVint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// rarBlock frames a RAR5 header: CRC32 of the size field and header, then both.
func rarBlock(header []byte) []byte {
	sized := append(rarVint(nil, uint64(len(header))), header...)
	out := binary.LittleEndian.AppendUint32(nil, crc32.ChecksumIEEE(sized))
	return append(out, sized...)
}

type rarOptions struct {
	solid    bool
	badFirst bool // store a wrong CRC32 for the first entry
}

// rar5Bytes builds a RAR5 archive with stored (uncompressed) entries.
func rar5Bytes(opts rarOptions, entries ...entry) []byte {
	out := []byte("Rar!\x1a\x07\x01\x00")
	var arcFlags uint64
	if opts.solid {
		arcFlags = 0x0004
	}
	out = append(out, rarBlock(rarVint(rarVint(rarVint(nil, 1), 0), arcFlags))...)

	for i, e := range entries {
		h := rarVint(nil, 2)                // file block
		h = rarVint(h, 0x0002)              // has data area
		h = rarVint(h, uint64(len(e.data))) // data size
		var fileFlags uint64
		if i == 0 && opts.badFirst {
			fileFlags = 0x0004 // CRC32 present
		}
		h = rarVint(h, fileFlags)
		h = rarVint(h, uint64(len(e.data))) // unpacked size
		h = rarVint(h, 0)                   // attributes
		if fileFlags != 0 {
			h = binary.LittleEndian.AppendUint32(h, ^crc32.ChecksumIEEE(e.data))
		}
		var comp uint64 // method 0, stored
		if opts.solid && i > 0 {
			comp = 0x0040
		}
		h = rarVint(h, comp)
		h = rarVint(h, 1) // unix host
		h = rarVint(h, uint64(len(e.name)))
		h = append(h, e.name...)
		out = append(out, rarBlock(h)...)
		out = append(out, e.data...)
	}
	return append(out, rarBlock(rarVint(rarVint(rarVint(nil, 5), 0), 0))...)
}
