// Package prefetch decodes pages near the reader's viewport in the background.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pageview/pkg/identity"
	"pageview/pkg/logger"
	"pageview/pkg/pagecache"
	"pageview/pkg/source"
)

type State int32

const (
	Idle State = iota
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PageReady announces one resolved page.
type PageReady struct {
	Identity  identity.Identity
	Index     int
	PageCount int
	Page      pagecache.Descriptor
}

// Notify receives PageReady events from the scheduler goroutine. It must not block for long.
type Notify func(PageReady)

// DefaultSolidBuffer bounds the channel between a sequential decoder and the scheduler.
const DefaultSolidBuffer = 200

// Scheduler runs at most one session at a time. A session stays owned, and its page files on
// disk, from Start until Stop even after every page has been decoded.
type Scheduler struct {
	mu     sync.Mutex // serializes Start and Stop
	state  atomic.Int32
	notify Notify
	buffer int

	viewport *latestViewport

	session atomic.Pointer[Session]
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Scheduler)

// WithSolidBuffer sets how many decoded pages a sequential decoder may run ahead.
func WithSolidBuffer(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.buffer = n
		}
	}
}

func NewScheduler(notify Notify, opts ...Option) *Scheduler {
	if notify == nil {
		notify = func(PageReady) {}
	}
	s := &Scheduler{
		notify:   notify,
		buffer:   DefaultSolidBuffer,
		viewport: newLatestViewport(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Session returns the owned session, or nil when idle.
func (s *Scheduler) Session() *Session {
	return s.session.Load()
}

// SetViewport publishes the reader position. Only the latest value is kept.
func (s *Scheduler) SetViewport(index, size int) {
	s.viewport.Set(Viewport{Index: index, Size: size})
}

// Viewport returns the current reader position.
func (s *Scheduler) Viewport() Viewport {
	v, _, _ := s.viewport.snapshot()
	return v
}

// ResetViewport moves the reader position back to InitialViewport. Callers do this before
// announcing a new container so positions reported in reply to that announcement survive.
func (s *Scheduler) ResetViewport() {
	s.viewport.Set(InitialViewport)
}

// Start stops any running session, then begins prefetching sess from the current viewport.
func (s *Scheduler) Start(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s.session.Store(sess)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state.Store(int32(Running))

	logger.Info("Prefetch started", "identity", sess.Identity().Hex(), "pages", sess.PageCount(),
		"random_access", sess.src.RandomAccess())
	go s.run(ctx, sess, s.done)
}

// Stop cancels the loop, waits for in-flight work and drops the session with its page files.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	sess := s.session.Load()
	if sess == nil {
		return
	}
	s.state.Store(int32(Draining))
	s.cancel()
	<-s.done

	s.session.Store(nil)
	s.cancel, s.done = nil, nil
	sess.Close()
	s.state.Store(int32(Idle))
	logger.Info("Prefetch stopped", "identity", sess.Identity().Hex(), "resolved", sess.Resolved(), "pages", sess.PageCount())
}

// Done is closed when the current loop exits, voluntarily or not. Nil when idle.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scheduler) run(ctx context.Context, sess *Session, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Prefetch loop panicked", "identity", sess.Identity().Hex(), "panic", r)
		}
	}()

	if seq, ok := sess.src.(source.Sequential); ok && !sess.src.RandomAccess() {
		s.runSolid(ctx, sess, seq)
	} else {
		s.runRandom(ctx, sess)
	}
	if ctx.Err() == nil && sess.Complete() {
		logger.Debug("All pages resolved, releasing source", "identity", sess.Identity().Hex())
		sess.releaseSource()
	}
}

func (s *Scheduler) publish(sess *Session, index int, page pagecache.Descriptor) {
	s.notify(PageReady{Identity: sess.Identity(), Index: index, PageCount: sess.PageCount(), Page: page})
}

// runRandom decodes the nearest empty page to the viewport, one at a time.
func (s *Scheduler) runRandom(ctx context.Context, sess *Session) {
	var seen uint64
	for {
		if ctx.Err() != nil {
			return
		}
		if sess.Complete() {
			return
		}
		vp, version, changed := s.viewport.snapshot()
		if version != seen {
			seen = version
			sess.retryFailed()
		}

		next, ok := -1, false
		if vp.Index < sess.PageCount() {
			next, ok = sess.NearestUnloaded(vp)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
			continue
		}

		page, err := sess.Load(next)
		if err != nil {
			logger.Warn("Failed to load page", "index", next, "err", err)
			continue
		}
		logger.Debug("Loaded page", "index", next)
		s.publish(sess, next, page)
	}
}

// runSolid consumes a single forward pass. Stop cancels the pass and drains what is in flight.
func (s *Scheduler) runSolid(ctx context.Context, sess *Session, seq source.Sequential) {
	pages := make(chan source.Page, s.buffer)
	decodeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("sequential decode panicked: %v", r)
			}
		}()
		result <- seq.DecodeAll(decodeCtx, pages)
	}()

	finish := func() {
		cancel()
		for range pages {
		}
		if err := <-result; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Sequential decode ended with error", "identity", sess.Identity().Hex(), "err", err)
		}
	}

	for {
		if ctx.Err() != nil {
			finish()
			return
		}
		select {
		case <-ctx.Done():
			finish()
			return
		case p, ok := <-pages:
			if !ok {
				finish()
				return
			}
			page, err := sess.Store(p.Index, p.Data)
			if err != nil {
				logger.Warn("Failed to write page cache", "index", p.Index, "err", err)
				continue
			}
			s.publish(sess, p.Index, page)
		}
	}
}
