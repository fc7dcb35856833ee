// Package source exposes every supported container as a dense, immutable list of pages.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"pageview/pkg/identity"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrIO                = errors.New("i/o error")
	ErrNeedPassword      = errors.New("password required")
	ErrDecode            = errors.New("decode error")
)

// Source is a paginated container of images.
type Source interface {
	// PageCount is fixed at construction.
	PageCount() int
	Identity() identity.Identity
	// PageBytes returns the encoded image at index. An empty result with a nil error means
	// the page has no raster content, and is also what out of range indices return.
	// Consecutive calls for the same index may decode again.
	PageBytes(index int) ([]byte, error)
	// RandomAccess is false for containers that can only be decoded front to back.
	RandomAccess() bool
	// TryPassword records a candidate and reports whether it was not tried before.
	TryPassword(pw []byte) bool
	Close() error
}

// Page is one decoded entry produced by a sequential pass.
type Page struct {
	Index int
	Data  []byte
}

// Sequential is implemented by sources whose RandomAccess is false.
type Sequential interface {
	Source
	// DecodeAll sends pages to out in decoder order and closes out before returning.
	// Cancelling ctx stops the pass between entries.
	DecodeAll(ctx context.Context, out chan<- Page) error
}

func ioError(op, name string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, name, ErrIO, err)
}

func decodeError(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrDecode, err)
}

func needPassword(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNeedPassword)
}

// passwordSet is the ordered, de-duplicated candidate list carried by encrypted backends.
type passwordSet struct {
	mu   sync.Mutex
	list [][]byte
}

func newPasswordSet(initial [][]byte) *passwordSet {
	p := &passwordSet{}
	for _, pw := range initial {
		p.add(pw)
	}
	return p
}

func (p *passwordSet) add(pw []byte) bool {
	if len(pw) == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, known := range p.list {
		if bytes.Equal(known, pw) {
			return false
		}
	}
	p.list = append(p.list, bytes.Clone(pw))
	return true
}

// attempts returns "no password" followed by every known candidate.
func (p *passwordSet) attempts() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, 0, len(p.list)+1)
	out = append(out, nil)
	return append(out, p.list...)
}

type emptySource struct{}

// Empty is the source shown when no container is open.
func Empty() Source {
	return emptySource{}
}

func (emptySource) PageCount() int { return 0 }
func (emptySource) Identity() identity.Identity { return identity.Identity{} }
func (emptySource) PageBytes(int) ([]byte, error) { return nil, nil }
func (emptySource) RandomAccess() bool { return true }
func (emptySource) TryPassword([]byte) bool { return false }
func (emptySource) Close() error { return nil }

// memorySource serves pages that were fully decoded at open time.
type memorySource struct {
	id    identity.Identity
	pages [][]byte
}

func (s *memorySource) PageCount() int { return len(s.pages) }
func (s *memorySource) Identity() identity.Identity { return s.id }
func (s *memorySource) RandomAccess() bool { return true }
func (s *memorySource) TryPassword([]byte) bool { return false }
func (s *memorySource) Close() error { return nil }

func (s *memorySource) PageBytes(index int) ([]byte, error) {
	if index < 0 || index >= len(s.pages) {
		return nil, nil
	}
	return s.pages[index], nil
}
