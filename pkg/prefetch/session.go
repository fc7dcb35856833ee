package prefetch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"pageview/pkg/identity"
	"pageview/pkg/logger"
	"pageview/pkg/pagecache"
	"pageview/pkg/source"
)

var (
	errResolved   = errors.New("page already resolved")
	errOutOfRange = errors.New("page index out of range")
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotCached
	slotNoData
	slotFailed // skipped until the viewport moves again
)

// Session owns one open source, its cache directory and one slot per page.
type Session struct {
	src  source.Source
	fs   afero.Fs
	dir  string
	id   identity.Identity
	size int

	mu         sync.Mutex
	slots      []slotState
	entries    []*pagecache.Entry
	unresolved int

	srcOnce   sync.Once
	closeOnce sync.Once
}

// NewSession takes ownership of src. Page files are written below dir on fsys.
func NewSession(src source.Source, fsys afero.Fs, dir string) *Session {
	n := src.PageCount()
	return &Session{
		src:        src,
		fs:         fsys,
		dir:        dir,
		id:         src.Identity(),
		size:       n,
		slots:      make([]slotState, n),
		entries:    make([]*pagecache.Entry, n),
		unresolved: n,
	}
}

func (s *Session) PageCount() int { return s.size }
func (s *Session) Identity() identity.Identity { return s.id }
func (s *Session) Dir() string { return s.dir }

// Resolved is the number of pages that are cached or known to have no data.
func (s *Session) Resolved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size - s.unresolved
}

// Complete reports whether every page is resolved.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unresolved == 0
}

// NearestUnloaded scans index..index+2*size+size/2 forward, then index-1 down to
// index-size-size/2, and returns the first empty slot.
func (s *Session) NearestUnloaded(v Viewport) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nearestEmpty(s.slots, v)
}

func nearestEmpty(slots []slotState, v Viewport) (int, bool) {
	empty := func(i int) bool { return i >= 0 && i < len(slots) && slots[i] == slotEmpty }
	end := v.Index + v.Size*2 + v.Size/2
	for i := v.Index; i <= end && i < len(slots); i++ {
		if empty(i) {
			return i, true
		}
	}
	start := v.Index - (v.Size + v.Size/2)
	if start < 0 {
		start = 0
	}
	for i := v.Index - 1; i >= start; i-- {
		if empty(i) {
			return i, true
		}
	}
	return 0, false
}

// retryFailed makes failed pages eligible again.
func (s *Session) retryFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range s.slots {
		if st == slotFailed {
			s.slots[i] = slotEmpty
		}
	}
}

// Load decodes page index and stores it. A failed decode leaves the page unresolved.
func (s *Session) Load(index int) (pagecache.Descriptor, error) {
	data, err := s.src.PageBytes(index)
	if err != nil {
		s.markFailed(index)
		return pagecache.Descriptor{}, err
	}
	return s.Store(index, data)
}

// Store caches already decoded bytes for index. Empty data resolves the page as no data.
func (s *Session) Store(index int, data []byte) (pagecache.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= s.size {
		return pagecache.Descriptor{}, fmt.Errorf("page %d of %d: %w", index, s.size, errOutOfRange)
	}
	if st := s.slots[index]; st == slotCached || st == slotNoData {
		return pagecache.Descriptor{}, fmt.Errorf("page %d: %w", index, errResolved)
	}
	if len(data) == 0 {
		s.slots[index] = slotNoData
		s.unresolved--
		return pagecache.NoDataDescriptor(), nil
	}
	entry, err := pagecache.New(s.fs, data, pagecache.PagePath(s.dir, index))
	if err != nil {
		s.slots[index] = slotFailed
		return pagecache.Descriptor{}, err
	}
	s.slots[index] = slotCached
	s.entries[index] = entry
	s.unresolved--
	return entry.Data(), nil
}

func (s *Session) markFailed(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < s.size && s.slots[index] == slotEmpty {
		s.slots[index] = slotFailed
	}
}

// releaseSource closes the source early once it is no longer needed. Entries stay.
func (s *Session) releaseSource() {
	s.srcOnce.Do(func() {
		if err := s.src.Close(); err != nil {
			logger.Warn("Failed to close source", "identity", s.id.Hex(), "err", err)
		}
	})
}

// Close removes every cached page file and closes the source.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.releaseSource()
		s.mu.Lock()
		entries := s.entries
		s.entries = make([]*pagecache.Entry, s.size)
		s.mu.Unlock()
		for _, e := range entries {
			if e != nil {
				e.Close()
			}
		}
	})
}

// TryPassword forwards a candidate to the owned source.
func (s *Session) TryPassword(pw []byte) bool {
	return s.src.TryPassword(pw)
}
