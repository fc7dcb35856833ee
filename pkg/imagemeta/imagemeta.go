// Package imagemeta reads image dimensions without decoding pixel data.
package imagemeta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// NoDataAspect is the width/height ratio reported for pages without raster content (A4 portrait).
const NoDataAspect = 210.0 / 297.0

// ErrNotImage is returned when the bytes are not a recognizable image.
var ErrNotImage = errors.New("not a recognizable image")

// Info describes an encoded image.
type Info struct {
	Format string
	Width  int
	Height int
}

// AspectRatio is width divided by height.
func (i Info) AspectRatio() float64 {
	if i.Height == 0 {
		return 0
	}
	return float64(i.Width) / float64(i.Height)
}

// Sniff returns the format and dimensions of data.
func Sniff(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrNotImage
	}
	if info, ok := sniffICO(data); ok {
		return info, nil
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: zero dimension %dx%d", ErrNotImage, cfg.Width, cfg.Height)
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// IsImage reports whether data sniffs as a supported image.
func IsImage(data []byte) bool {
	_, err := Sniff(data)
	return err == nil
}

// ICONDIR header: reserved(2)=0, type(2)=1, count(2); then 16 byte entries.
// Width and height bytes of 0 mean 256 pixels. The largest entry wins.
func sniffICO(data []byte) (Info, bool) {
	if len(data) < 6+16 {
		return Info{}, false
	}
	if binary.LittleEndian.Uint16(data[0:2]) != 0 || binary.LittleEndian.Uint16(data[2:4]) != 1 {
		return Info{}, false
	}
	count := int(binary.LittleEndian.Uint16(data[4:6]))
	if count == 0 || len(data) < 6+16*count {
		return Info{}, false
	}
	best := Info{Format: "ico"}
	for i := 0; i < count; i++ {
		entry := data[6+16*i:]
		w, h := int(entry[0]), int(entry[1])
		if w == 0 {
			w = 256
		}
		if h == 0 {
			h = 256
		}
		if w*h > best.Width*best.Height {
			best.Width, best.Height = w, h
		}
	}
	return best, true
}
