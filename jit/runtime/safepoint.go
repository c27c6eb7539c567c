package runtime

import (
	"sync"

	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/colorfulnotion/jitlink/log"
)

// Safepoint stops the world for post-link patching. Registered contexts call
// Enter before running compiled code and Leave when they park; Run waits until
// none is running and holds new entries off until fn returns.
type Safepoint struct {
	mu       sync.Mutex
	cond     *sync.Cond
	running  int
	stopping bool
	held     bool
	closed   bool
	contexts map[*Context]struct{}
}

func NewSafepoint() *Safepoint {
	s := &Safepoint{contexts: make(map[*Context]struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Register attaches c so its Enter and Leave are tracked.
func (s *Safepoint) Register(c *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return jiterrors.ErrSafepointClosed
	}
	s.contexts[c] = struct{}{}
	c.sp = s
	return nil
}

func (s *Safepoint) Unregister(c *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, c)
	c.sp = nil
}

func (s *Safepoint) enter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.stopping && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return jiterrors.ErrSafepointClosed
	}
	s.running++
	return nil
}

func (s *Safepoint) leave() {
	s.mu.Lock()
	s.running--
	if s.running < 0 {
		s.mu.Unlock()
		panic("safepoint: leave without enter")
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Run parks the world, runs fn, then lets contexts resume. Runs are
// serialized.
func (s *Safepoint) Run(fn func() error) error {
	s.mu.Lock()
	for s.stopping && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		return jiterrors.ErrSafepointClosed
	}
	s.stopping = true
	for s.running > 0 {
		s.cond.Wait()
	}
	s.held = true
	n := len(s.contexts)
	s.mu.Unlock()

	log.Trace(log.JitRuntime, "safepoint reached", "contexts", n)
	defer func() {
		s.mu.Lock()
		s.held = false
		s.stopping = false
		s.mu.Unlock()
		s.cond.Broadcast()
	}()
	return fn()
}

// Held reports whether a Run is currently executing its callback.
func (s *Safepoint) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Running is the number of contexts inside compiled code.
func (s *Safepoint) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close wakes every waiter; later Enter and Run calls fail.
func (s *Safepoint) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}
