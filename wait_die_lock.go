// Package waitdie provides reader/writer locks that prevent deadlock with the
// Wait-Die protocol used by transactional lock managers.
//
// Every request carries the timestamp of the transaction issuing it; a lower
// timestamp is an older transaction. When a request conflicts with the
// current holders, an older requester waits and a younger (or equally old)
// requester dies: the call returns false at once and the caller holds
// nothing. Because a transaction only ever waits for younger ones, no cycle
// of waiting transactions can form.
package waitdie

import (
	"cmp"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/llxisdsh/waitdie/internal/opt"
)

// WaitDieLock is a reader/writer lock whose conflicts are resolved by
// comparing transaction timestamps.
//
// State:
//   - Free: no holder.
//   - Shared: one or more readers.
//   - Exclusive: exactly one writer.
//
// A request that conflicts with the holders waits when its timestamp is
// strictly lower than every conflicting holder's, and dies otherwise.
// A request admitted to wait is never killed later; it is granted as soon
// as its conflicts clear.
//
// Every parked request is older than everything it waits for: the
// conflicting holders, and any younger parked request it would block if
// granted first. Grants therefore go youngest first, and a request that
// would block a younger parked one queues behind it even when the holders
// alone would admit it.
//
// It is zero-value usable (starts Free).
type WaitDieLock[T cmp.Ordered] struct {
	_  noCopy
	mu sync.Mutex

	mode    Mode
	holders []T          // sorted ascending
	waiters []*waiter[T] // youngest first, arrival order among equals

	cfg Config
}

type waiter[T cmp.Ordered] struct {
	sema opt.PaddedSema
	ts   T
	req  Request
}

// NewWaitDieLock creates a WaitDieLock with the given options.
func NewWaitDieLock[T cmp.Ordered](options ...func(*Config)) *WaitDieLock[T] {
	return &WaitDieLock[T]{cfg: newConfig(options)}
}

// TryRLock requests shared access for ts.
//
// Shared access conflicts with an exclusive holder; readers never conflict
// with readers. It returns true once access is granted, blocking while ts
// waits, and false immediately if ts dies. A timestamp that already holds
// the lock in either mode, or is parked on it, dies.
func (l *WaitDieLock[T]) TryRLock(ts T) bool {
	ok, _ := l.acquire(ts, RequestShared)
	return ok
}

// TryLock requests exclusive access for ts.
//
// Exclusive access conflicts with every holder, including ts itself: a
// reader wanting write access must call TryUpgrade. The return value
// follows TryRLock.
func (l *WaitDieLock[T]) TryLock(ts T) bool {
	ok, _ := l.acquire(ts, RequestExclusive)
	return ok
}

// TryUpgrade converts the shared access held by ts into exclusive access
// without releasing it in between. The other readers are the conflict set:
// with none, the upgrade is immediate; otherwise ts waits if it is older
// than all of them, keeping its read access meanwhile, and dies if not.
//
// It panics if ts does not hold shared access.
func (l *WaitDieLock[T]) TryUpgrade(ts T) bool {
	ok, _ := l.acquire(ts, RequestUpgrade)
	return ok
}

// RUnlock releases the shared access held by ts.
//
// It panics if ts does not hold shared access.
func (l *WaitDieLock[T]) RUnlock(ts T) {
	l.mu.Lock()
	i, ok := slices.BinarySearch(l.holders, ts)
	if l.mode != ModeShared || !ok {
		l.mu.Unlock()
		panic("waitdie: RUnlock of a timestamp without shared access")
	}
	l.holders = slices.Delete(l.holders, i, i+1)
	if len(l.holders) == 0 {
		l.mode = ModeFree
	}
	l.promote()
	l.mu.Unlock()
	l.log("lock released", ts, RequestShared)
}

// Unlock releases the exclusive access held by ts.
//
// It panics if ts is not the exclusive holder.
func (l *WaitDieLock[T]) Unlock(ts T) {
	l.mu.Lock()
	if l.mode != ModeExclusive || l.holders[0] != ts {
		l.mu.Unlock()
		panic("waitdie: Unlock of a timestamp without exclusive access")
	}
	l.holders = l.holders[:0]
	l.mode = ModeFree
	l.promote()
	l.mu.Unlock()
	l.log("lock released", ts, RequestExclusive)
}

// Snapshot returns a copy of the current mode, holders and waiters.
func (l *WaitDieLock[T]) Snapshot() Snapshot[T] {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot[T]{
		Name:    l.cfg.name,
		Mode:    l.mode,
		Holders: slices.Clone(l.holders),
		Waiters: make([]Waiter[T], len(l.waiters)),
	}
	for i, w := range l.waiters {
		s.Waiters[i] = Waiter[T]{TS: w.ts, Request: w.req}
	}
	return s
}

// Trace writes a human-readable dump of the lock state to w.
func (l *WaitDieLock[T]) Trace(w io.Writer) error {
	_, err := l.Snapshot().WriteTo(w)
	return err
}

// String returns the trace form of the lock state; see Snapshot.String.
func (l *WaitDieLock[T]) String() string {
	return l.Snapshot().String()
}

// acquire runs the admission rule for ts. added reports whether the grant
// gave ts a holder slot it did not have before; only an upgrade reuses one.
func (l *WaitDieLock[T]) acquire(ts T, req Request) (ok, added bool) {
	l.mu.Lock()
	_, held := slices.BinarySearch(l.holders, ts)
	if req == RequestUpgrade && (!held || l.mode != ModeShared) {
		l.mu.Unlock()
		panic("waitdie: TryUpgrade of a timestamp without shared access")
	}
	if req != RequestUpgrade && (held || l.parked(ts)) {
		// ts owns, or is about to own, the only slot it may have; an
		// equal timestamp is not older.
		l.mu.Unlock()
		l.cfg.metrics.observe(l.cfg.name, req, OutcomeDied)
		l.log("lock died", ts, req, "holder", ts)
		return false, false
	}

	oldest, conflict := l.oldestConflict(ts, req)
	if conflict && !cmp.Less(ts, oldest) {
		l.mu.Unlock()
		l.cfg.metrics.observe(l.cfg.name, req, OutcomeDied)
		l.log("lock died", ts, req, "holder", oldest)
		return false, false
	}

	if !conflict && !blocksYounger(ts, req, l.waiters) {
		l.grant(ts, req)
		l.mu.Unlock()
		l.cfg.metrics.observe(l.cfg.name, req, OutcomeGranted)
		l.log("lock granted", ts, req)
		return true, !held
	}

	w := &waiter[T]{ts: ts, req: req}
	l.enqueue(w)
	l.mu.Unlock()

	l.cfg.metrics.observe(l.cfg.name, req, OutcomeWaited)
	l.cfg.metrics.parked(l.cfg.name)
	if conflict {
		l.log("lock waiting", ts, req, "holder", oldest)
	} else {
		l.log("lock waiting", ts, req, "behind", "younger request")
	}

	start := time.Now()
	w.sema.Acquire()
	waited := time.Since(start)

	l.cfg.metrics.unparked(l.cfg.name, req, waited)
	l.log("lock granted", ts, req, "waited", waited)
	return true, !held
}

// oldestConflict returns the oldest holder that ts conflicts with
// under req, and false if there is none.
func (l *WaitDieLock[T]) oldestConflict(ts T, req Request) (oldest T, conflict bool) {
	if req == RequestShared {
		if l.mode == ModeExclusive {
			return l.holders[0], true
		}
		return oldest, false
	}
	for _, h := range l.holders {
		if h != ts {
			return h, true
		}
	}
	return oldest, false
}

// grant records ts as a holder under req. The caller has established
// that nothing conflicts.
func (l *WaitDieLock[T]) grant(ts T, req Request) {
	if i, held := slices.BinarySearch(l.holders, ts); !held {
		l.holders = slices.Insert(l.holders, i, ts)
	}
	l.mode = req.grants()
}

// blocksYounger reports whether granting req to ts would block a parked
// request younger than ts. parked must be ordered youngest first.
func blocksYounger[T cmp.Ordered](ts T, req Request, parked []*waiter[T]) bool {
	for _, w := range parked {
		if !cmp.Less(ts, w.ts) {
			return false
		}
		if req != RequestShared || w.req != RequestShared {
			return true
		}
	}
	return false
}

func (l *WaitDieLock[T]) parked(ts T) bool {
	return slices.ContainsFunc(l.waiters, func(w *waiter[T]) bool {
		return w.ts == ts
	})
}

func (l *WaitDieLock[T]) enqueue(w *waiter[T]) {
	i := slices.IndexFunc(l.waiters, func(o *waiter[T]) bool {
		return cmp.Less(o.ts, w.ts)
	})
	if i < 0 {
		l.waiters = append(l.waiters, w)
		return
	}
	l.waiters = slices.Insert(l.waiters, i, w)
}

// promote grants, youngest first, every parked request that conflicts
// neither with the holders nor with a younger request still parked, and
// wakes its caller. The rest stay parked.
func (l *WaitDieLock[T]) promote() {
	n := 0
	for _, w := range l.waiters {
		_, conflict := l.oldestConflict(w.ts, w.req)
		if conflict || blocksYounger(w.ts, w.req, l.waiters[:n]) {
			l.waiters[n] = w
			n++
			continue
		}
		l.grant(w.ts, w.req)
		w.sema.Release()
	}
	clear(l.waiters[n:])
	l.waiters = l.waiters[:n]
}

func (l *WaitDieLock[T]) log(msg string, ts T, req Request, args ...any) {
	if l.cfg.logger == nil {
		return
	}
	l.cfg.logger.Debug(msg, append([]any{"lock", l.cfg.name, "ts", ts, "request", req.String()}, args...)...)
}
