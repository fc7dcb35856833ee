package source

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"pageview/pkg/identity"
	"pageview/pkg/logger"
)

var pdfConfigOnce sync.Once

// pageRenderer rasterises a full page at a height. Nil unless built with the fitz tag.
type pageRenderer interface {
	Render(index, height int) ([]byte, error)
	Close() error
}

// newPageRenderer is replaced by the fitz build.
var newPageRenderer func(data []byte) (pageRenderer, error)

type pdfSource struct {
	mu            sync.Mutex
	ctx           *model.Context
	id            identity.Identity
	pages         int
	encrypted     bool
	defaultHeight int
	renderer      pageRenderer
	passwords     *passwordSet
}

func openPDF(r io.ReaderAt, size int64, id identity.Identity, pw *passwordSet, defaultHeight int) (*pdfSource, error) {
	pdfConfigOnce.Do(api.DisableConfigDir)

	data, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, ioError("read", "pdf", err)
	}

	locked := false
	var lastErr error
	for _, candidate := range pw.attempts() {
		conf := model.NewDefaultConfiguration()
		conf.ValidationMode = model.ValidationRelaxed
		if candidate != nil {
			conf.UserPW = string(candidate)
			conf.OwnerPW = string(candidate)
		}
		ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
		if err != nil {
			lastErr = err
			if isPDFPasswordError(err) {
				locked = true
				continue
			}
			return nil, decodeError("read pdf", err)
		}

		src := &pdfSource{
			ctx:           ctx,
			id:            id,
			pages:         ctx.PageCount,
			encrypted:     ctx.Encrypt != nil,
			defaultHeight: defaultHeight,
			passwords:     pw,
		}
		if newPageRenderer != nil && !src.encrypted {
			if rr, err := newPageRenderer(data); err != nil {
				logger.Warn("PDF renderer unavailable, extracting embedded images", "err", err)
			} else {
				src.renderer = rr
			}
		}
		return src, nil
	}
	if locked {
		return nil, needPassword("pdf document")
	}
	return nil, decodeError("read pdf", lastErr)
}

func isPDFPasswordError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "password")
}

// largestImage picks the non-thumbnail image with the greatest pixel area.
func largestImage(images map[int]model.Image) (model.Image, bool) {
	var best model.Image
	found := false
	for _, img := range images {
		if img.Thumb {
			continue
		}
		if !found || img.Width*img.Height > best.Width*best.Height {
			best = img
			found = true
		}
	}
	return best, found
}

func (s *pdfSource) PageCount() int { return s.pages }
func (s *pdfSource) Identity() identity.Identity { return s.id }
func (s *pdfSource) RandomAccess() bool { return true }

// PageBytes returns the dominant embedded image of page index, or nothing for vector-only pages.
// With a renderer the whole page is rasterised instead, at the dominant image height.
func (s *pdfSource) PageBytes(index int) ([]byte, error) {
	if index < 0 || index >= s.pages {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return nil, nil
	}

	images, err := pdfcpu.ExtractPageImages(s.ctx, index+1, s.renderer != nil)
	if err != nil {
		return nil, decodeError(fmt.Sprintf("pdf page %d", index+1), err)
	}
	img, found := largestImage(images)

	if s.renderer != nil {
		height := s.defaultHeight
		if found && img.Height > 0 {
			height = img.Height
		}
		return s.renderer.Render(index, height)
	}

	if !found || img.Reader == nil {
		return nil, nil
	}
	data, err := io.ReadAll(img)
	if err != nil {
		return nil, decodeError(fmt.Sprintf("pdf page %d image %s", index+1, img.Name), err)
	}
	return data, nil
}

func (s *pdfSource) TryPassword(pw []byte) bool {
	return s.passwords.add(pw)
}

func (s *pdfSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.renderer != nil {
		err = s.renderer.Close()
		s.renderer = nil
	}
	s.ctx = nil
	return err
}
