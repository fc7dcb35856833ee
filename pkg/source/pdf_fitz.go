//go:build fitz

package source

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
)

func init() {
	newPageRenderer = newFitzRenderer
}

type fitzRenderer struct {
	mu  sync.Mutex
	doc *fitz.Document
}

func newFitzRenderer(data []byte) (pageRenderer, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return &fitzRenderer{doc: doc}, nil
}

// Render rasterises page index (0-based) so the result is height pixels tall.
func (r *fitzRenderer) Render(index, height int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bound, err := r.doc.Bound(index)
	if err != nil {
		return nil, decodeError(fmt.Sprintf("pdf page %d bounds", index+1), err)
	}
	if bound.Dy() <= 0 {
		return nil, nil
	}
	// Bound is in points at 72 dpi.
	dpi := 72 * float64(height) / float64(bound.Dy())
	rgba, err := r.doc.ImageDPI(index, dpi)
	if err != nil {
		return nil, decodeError(fmt.Sprintf("pdf page %d render", index+1), err)
	}
	var img image.Image = rgba
	if rgba.Bounds().Dy() != height {
		img = imaging.Resize(rgba, 0, height, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, decodeError(fmt.Sprintf("pdf page %d encode", index+1), err)
	}
	return buf.Bytes(), nil
}

func (r *fitzRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Close()
}
