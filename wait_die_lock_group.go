package waitdie

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/llxisdsh/pb"
)

// ErrDied is returned by WaitDieLockGroup.Acquire when the request dies.
// The transaction holds nothing new and may retry.
var ErrDied = errors.New("waitdie: transaction died")

// WaitDieLockGroup is a lock table: one WaitDieLock per resource key.
//
// Features:
//   - Infinite Keys: locks are created on first use.
//   - Auto-Cleanup: a key's lock is dropped once no transaction holds it
//     and no call on it is in flight.
//
// Usage:
//
//	var table WaitDieLockGroup[string, uint64]
//
//	if !table.TryRLock("accounts/42", ts) {
//		// died: abort ts, retry later
//	}
//	read(accounts[42])
//	table.RUnlock("accounts/42", ts)
//
// Implementation Note:
// It uses reference counting to safely delete entries. The count covers
// every holder slot plus every acquire call still running.
type WaitDieLockGroup[K comparable, T cmp.Ordered] struct {
	_       noCopy
	m       pb.MapOf[K, *waitDieLockGroupEntry[T]]
	options []func(*Config)
}

type waitDieLockGroupEntry[T cmp.Ordered] struct {
	lock *WaitDieLock[T]
	ref  int32
}

// NewWaitDieLockGroup creates a WaitDieLockGroup whose locks are built
// with options. Unless WithName is among them, each lock is named after
// its key.
func NewWaitDieLockGroup[K comparable, T cmp.Ordered](options ...func(*Config)) *WaitDieLockGroup[K, T] {
	return &WaitDieLockGroup[K, T]{options: options}
}

// TryRLock requests shared access to k for ts. See WaitDieLock.TryRLock.
func (g *WaitDieLockGroup[K, T]) TryRLock(k K, ts T) bool {
	return g.acquire(k, ts, RequestShared)
}

// TryLock requests exclusive access to k for ts. See WaitDieLock.TryLock.
func (g *WaitDieLockGroup[K, T]) TryLock(k K, ts T) bool {
	return g.acquire(k, ts, RequestExclusive)
}

// TryUpgrade converts ts's shared access to k into exclusive access.
// See WaitDieLock.TryUpgrade.
func (g *WaitDieLockGroup[K, T]) TryUpgrade(k K, ts T) bool {
	return g.load(k, "TryUpgrade").TryUpgrade(ts)
}

// Acquire is like TryRLock, TryLock or TryUpgrade, chosen by req, but
// reports death as an error wrapping ErrDied.
func (g *WaitDieLockGroup[K, T]) Acquire(k K, ts T, req Request) error {
	var ok bool
	switch req {
	case RequestShared, RequestExclusive:
		ok = g.acquire(k, ts, req)
	case RequestUpgrade:
		ok = g.TryUpgrade(k, ts)
	default:
		return fmt.Errorf("waitdie: invalid request %d", req)
	}
	if !ok {
		return fmt.Errorf("%w: %v requested %s access to %v", ErrDied, ts, req, k)
	}
	return nil
}

// RUnlock releases ts's shared access to k.
//
// It panics if ts does not hold shared access to k.
func (g *WaitDieLockGroup[K, T]) RUnlock(k K, ts T) {
	g.load(k, "RUnlock").RUnlock(ts)
	g.unref(k)
}

// Unlock releases ts's exclusive access to k.
//
// It panics if ts does not hold exclusive access to k.
func (g *WaitDieLockGroup[K, T]) Unlock(k K, ts T) {
	g.load(k, "Unlock").Unlock(ts)
	g.unref(k)
}

// Snapshot returns the state of k's lock, and false if k has no lock.
func (g *WaitDieLockGroup[K, T]) Snapshot(k K) (Snapshot[T], bool) {
	v, ok := g.m.Load(k)
	if !ok {
		return Snapshot[T]{}, false
	}
	return v.lock.Snapshot(), true
}

// Len returns the number of keys that currently have a lock.
func (g *WaitDieLockGroup[K, T]) Len() int {
	n := 0
	g.m.Range(func(K, *waitDieLockGroupEntry[T]) bool {
		n++
		return true
	})
	return n
}

// Trace writes the state of every live lock to w, ordered by name.
func (g *WaitDieLockGroup[K, T]) Trace(w io.Writer) error {
	var snaps []Snapshot[T]
	g.m.Range(func(_ K, v *waitDieLockGroupEntry[T]) bool {
		snaps = append(snaps, v.lock.Snapshot())
		return true
	})
	slices.SortFunc(snaps, func(a, b Snapshot[T]) int {
		return cmp.Compare(a.Name, b.Name)
	})
	for _, s := range snaps {
		if _, err := fmt.Fprintf(w, "%s:\n", s.Name); err != nil {
			return err
		}
		if _, err := s.WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (g *WaitDieLockGroup[K, T]) acquire(k K, ts T, req Request) bool {
	l := g.ref(k)
	ok, added := l.acquire(ts, req)
	if !added {
		g.unref(k)
	}
	return ok
}

func (g *WaitDieLockGroup[K, T]) load(k K, op string) *WaitDieLock[T] {
	v, ok := g.m.Load(k)
	if !ok {
		panic(fmt.Sprintf("waitdie: %s of unlocked key %v", op, k))
	}
	return v.lock
}

func (g *WaitDieLockGroup[K, T]) ref(k K) *WaitDieLock[T] {
	v, _ := g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *waitDieLockGroupEntry[T]]) (*pb.EntryOf[K, *waitDieLockGroupEntry[T]], *waitDieLockGroupEntry[T], bool) {
			if l != nil {
				l.Value.ref++
				return l, l.Value, true
			}
			e := &waitDieLockGroupEntry[T]{lock: g.newLock(k), ref: 1}
			return &pb.EntryOf[K, *waitDieLockGroupEntry[T]]{Value: e}, e, false
		},
	)
	return v.lock
}

func (g *WaitDieLockGroup[K, T]) unref(k K) {
	_, _ = g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *waitDieLockGroupEntry[T]]) (*pb.EntryOf[K, *waitDieLockGroupEntry[T]], *waitDieLockGroupEntry[T], bool) {
			if l == nil {
				return nil, nil, false
			}
			l.Value.ref--
			if l.Value.ref <= 0 {
				return nil, nil, false
			}
			return l, l.Value, true
		},
	)
}

func (g *WaitDieLockGroup[K, T]) newLock(k K) *WaitDieLock[T] {
	cfg := newConfig(g.options)
	if cfg.name == "" {
		cfg.name = fmt.Sprint(k)
	}
	return &WaitDieLock[T]{cfg: cfg}
}
