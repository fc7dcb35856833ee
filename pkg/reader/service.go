// Package reader is the boundary between the UI transport and the page pipeline.
package reader

import (
	"errors"
	"sync"

	"pageview/pkg/logger"
	"pageview/pkg/pagecache"
	"pageview/pkg/prefetch"
	"pageview/pkg/source"
)

type Status string

const (
	StatusSuccess      Status = "success"
	StatusNeedPassword Status = "need_password"
	StatusError        Status = "error"
)

// OpenResult answers one open request.
type OpenResult struct {
	Status    Status `json:"status"`
	Path      string `json:"path"`
	Identity  string `json:"identity,omitempty"`
	PageCount int    `json:"page_count"`
	Message   string `json:"message,omitempty"`
}

// PageReady tells the UI that a page can be shown.
type PageReady struct {
	Identity  string               `json:"identity"`
	Index     int                  `json:"index"`
	PageCount int                  `json:"page_count"`
	Page      pagecache.Descriptor `json:"page"`
}

// Events receives everything the service pushes to the UI.
type Events interface {
	OpenResult(OpenResult)
	PageReady(PageReady)
}

type noEvents struct{}

func (noEvents) OpenResult(OpenResult) {}
func (noEvents) PageReady(PageReady) {}

// Snapshot is the current state of the service.
type Snapshot struct {
	State     string            `json:"state"`
	Path      string            `json:"path,omitempty"`
	Identity  string            `json:"identity,omitempty"`
	PageCount int               `json:"page_count"`
	Resolved  int               `json:"resolved"`
	Viewport  prefetch.Viewport `json:"viewport"`
	Passwords int               `json:"passwords"`
}

// Service owns the opener, the cache store and the scheduler. Opens are serialized.
type Service struct {
	opener *source.Opener
	store  *pagecache.Store
	sched  *prefetch.Scheduler
	book   *PasswordBook

	eventsMu sync.RWMutex
	events   Events

	openMu sync.Mutex

	mu   sync.RWMutex
	path string
}

func NewService(opener *source.Opener, store *pagecache.Store, opts ...prefetch.Option) *Service {
	s := &Service{
		opener: opener,
		store:  store,
		book:   NewPasswordBook(),
		events: noEvents{},
	}
	s.sched = prefetch.NewScheduler(s.pageReady, opts...)
	return s
}

// SetEvents installs the event sink. A nil sink discards events.
func (s *Service) SetEvents(ev Events) {
	if ev == nil {
		ev = noEvents{}
	}
	s.eventsMu.Lock()
	s.events = ev
	s.eventsMu.Unlock()
}

func (s *Service) sink() Events {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	return s.events
}

func (s *Service) pageReady(p prefetch.PageReady) {
	s.sink().PageReady(PageReady{
		Identity:  p.Identity.Hex(),
		Index:     p.Index,
		PageCount: p.PageCount,
		Page:      p.Page,
	})
}

func (s *Service) Scheduler() *prefetch.Scheduler {
	return s.sched
}

func (s *Service) Passwords() *PasswordBook {
	return s.book
}

// Open replaces the current container with the one at path. A non-empty password joins the
// candidate set first. Any failure leaves the service with nothing open.
func (s *Service) Open(path string, password []byte) OpenResult {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if s.book.Add(password) {
		logger.Debug("New password candidate", "candidates", s.book.Len())
	}
	res := s.open(path)
	if res.Status != StatusSuccess {
		s.sink().OpenResult(res)
	}
	return res
}

func (s *Service) open(path string) OpenResult {
	src, err := s.opener.Open(path, s.book.All())
	if err != nil {
		s.closeCurrent()
		if errors.Is(err, source.ErrNeedPassword) {
			logger.Info("Container needs a password", "path", path)
			return OpenResult{Status: StatusNeedPassword, Path: path, Message: err.Error()}
		}
		logger.Error("Failed to open container", "path", path, "err", err)
		return OpenResult{Status: StatusError, Path: path, Message: err.Error()}
	}

	id := src.Identity()
	dir, err := s.store.Dir(id)
	if err != nil {
		src.Close()
		s.closeCurrent()
		logger.Error("Failed to prepare page cache", "path", path, "err", err)
		return OpenResult{Status: StatusError, Path: path, Message: err.Error()}
	}

	// the result must reach the UI before the first page of the new session, and a viewport
	// sent in reply to it must not be overwritten
	s.sched.Stop()
	s.sched.ResetViewport()
	res := OpenResult{Status: StatusSuccess, Path: path, Identity: id.Hex(), PageCount: src.PageCount()}
	s.sink().OpenResult(res)

	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	s.sched.Start(prefetch.NewSession(src, s.store.Fs(), dir))
	logger.Info("Opened container", "path", path, "identity", id.Hex(), "pages", src.PageCount())
	return res
}

// SetViewport forwards the reader position to the scheduler.
func (s *Service) SetViewport(index, size int) {
	s.sched.SetViewport(index, size)
}

// AddPassword records pw for later opens and offers it to the open container.
// It reports whether the candidate was new.
func (s *Service) AddPassword(pw []byte) bool {
	fresh := s.book.Add(pw)
	if sess := s.sched.Session(); sess != nil && len(pw) > 0 {
		if sess.TryPassword(pw) {
			fresh = true
		}
	}
	return fresh
}

// Close abandons the open container and returns to the empty state.
func (s *Service) Close() {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	s.closeCurrent()
}

func (s *Service) closeCurrent() {
	s.sched.Stop()
	s.mu.Lock()
	s.path = ""
	s.mu.Unlock()
}

// Status reports what is open and how far prefetching got.
func (s *Service) Status() Snapshot {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()

	snap := Snapshot{
		State:     s.sched.State().String(),
		Path:      path,
		Viewport:  s.sched.Viewport(),
		Passwords: s.book.Len(),
	}
	if sess := s.sched.Session(); sess != nil {
		snap.Identity = sess.Identity().Hex()
		snap.PageCount = sess.PageCount()
		snap.Resolved = sess.Resolved()
	}
	return snap
}

// Shutdown stops prefetching and sweeps empty cache directories.
func (s *Service) Shutdown() {
	s.Close()
	if _, err := s.store.Sweep(); err != nil {
		logger.Warn("Cache sweep failed", "err", err)
	}
}
