package prefetch

import "sync"

// Viewport is the reader's position: the first visible index and how many pages are visible.
type Viewport struct {
	Index int `json:"index"`
	Size  int `json:"size"`
}

// InitialViewport is where the reader starts in a newly opened container.
var InitialViewport = Viewport{Index: 0, Size: 1}

// latestViewport keeps only the newest value. Waiters block on the channel returned by
// snapshot, which is closed on the next Set.
type latestViewport struct {
	mu      sync.Mutex
	v       Viewport
	version uint64
	changed chan struct{}
}

func newLatestViewport() *latestViewport {
	return &latestViewport{v: InitialViewport, changed: make(chan struct{})}
}

func (l *latestViewport) Set(v Viewport) {
	if v.Index < 0 {
		v.Index = 0
	}
	if v.Size < 0 {
		v.Size = 0
	}
	l.mu.Lock()
	l.v = v
	l.version++
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()
}

func (l *latestViewport) snapshot() (Viewport, uint64, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v, l.version, l.changed
}
