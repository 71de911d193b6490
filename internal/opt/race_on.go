//go:build race

package opt

import (
	"sync"
)

const Race_ = true

// Sema under the race detector goes through sync primitives, so a
// Release happens-before the Acquire it satisfies.
type Sema struct {
	once sync.Once
	mu   sync.Mutex
	cond *sync.Cond
	n    uint32
}

func (s *Sema) init() {
	s.once.Do(func() {
		s.cond = sync.NewCond(&s.mu)
	})
}

func (s *Sema) Acquire() {
	s.init()
	s.mu.Lock()
	for s.n == 0 {
		s.cond.Wait()
	}
	s.n--
	s.mu.Unlock()
}

func (s *Sema) Release() {
	s.init()
	s.mu.Lock()
	s.n++
	s.cond.Signal()
	s.mu.Unlock()
}
