package waitdie

import (
	"cmp"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/waitdie/internal/opt"
)

// async runs try on a new goroutine and delivers its result.
func async(try func() bool) <-chan bool {
	ch := make(chan bool, 1)
	go func() { ch <- try() }()
	return ch
}

func waitParked[T cmp.Ordered](t *testing.T, l *WaitDieLock[T], n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(l.Snapshot().Waiters) == n
	}, time.Second, 100*time.Microsecond, "expected %d parked requests", n)
}

func requireBlocked(t *testing.T, ch <-chan bool) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("request returned while it should be parked")
	case <-time.After(10 * time.Millisecond):
	}
}

func requireGranted(t *testing.T, ch <-chan bool) {
	t.Helper()
	select {
	case ok := <-ch:
		require.True(t, ok, "parked request returned false")
	case <-time.After(time.Second):
		t.Fatal("parked request was not granted")
	}
}

func requireState[T cmp.Ordered](t *testing.T, l *WaitDieLock[T], mode Mode, holders ...T) {
	t.Helper()
	s := l.Snapshot()
	require.Equal(t, mode, s.Mode)
	if len(holders) == 0 {
		require.Empty(t, s.Holders)
		return
	}
	require.Equal(t, holders, s.Holders)
}

func TestWaitDieLock_ZeroValue(t *testing.T) {
	var l WaitDieLock[int]
	requireState(t, &l, ModeFree)

	require.True(t, l.TryRLock(1))
	requireState(t, &l, ModeShared, 1)
	l.RUnlock(1)
	requireState(t, &l, ModeFree)
}

func TestWaitDieLock_ReadersShare(t *testing.T) {
	l := NewWaitDieLock[int]()
	for ts := 10; ts >= 0; ts-- {
		require.True(t, l.TryRLock(ts), "TryRLock(%d)", ts)
	}
	requireState(t, l, ModeShared, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	for ts := 0; ts <= 10; ts++ {
		l.RUnlock(ts)
	}
	requireState(t, l, ModeFree)
}

func TestWaitDieLock_YoungerWriterDies(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryLock(0))
	for ts := 1; ts <= 10; ts++ {
		require.False(t, l.TryLock(ts), "TryLock(%d)", ts)
		require.False(t, l.TryRLock(ts), "TryRLock(%d)", ts)
	}
	requireState(t, l, ModeExclusive, 0)
	require.Empty(t, l.Snapshot().Waiters)
}

func TestWaitDieLock_WriterDiesAgainstOlderReader(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryRLock(4))
	require.True(t, l.TryRLock(9))

	require.False(t, l.TryLock(5))
	requireState(t, l, ModeShared, 4, 9)
}

func TestWaitDieLock_OlderReaderWaits(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryLock(10))

	r9 := async(func() bool { return l.TryRLock(9) })
	waitParked(t, l, 1)
	requireBlocked(t, r9)
	requireState(t, l, ModeExclusive, 10)

	l.Unlock(10)
	requireGranted(t, r9)
	requireState(t, l, ModeShared, 9)
	require.Empty(t, l.Snapshot().Waiters)
}

func TestWaitDieLock_OlderWriterWaitsForReaders(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryRLock(10))
	require.True(t, l.TryRLock(9))

	w8 := async(func() bool { return l.TryLock(8) })
	waitParked(t, l, 1)

	l.RUnlock(10)
	requireBlocked(t, w8)
	l.RUnlock(9)
	requireGranted(t, w8)
	requireState(t, l, ModeExclusive, 8)
}

func TestWaitDieLock_UpgradeSoleReader(t *testing.T) {
	l := NewWaitDieLock[int]()
	for ts := 10; ts >= 0; ts-- {
		require.True(t, l.TryRLock(ts))
		require.True(t, l.TryUpgrade(ts))
		requireState(t, l, ModeExclusive, ts)
		l.Unlock(ts)
		requireState(t, l, ModeFree)
	}
}

func TestWaitDieLock_UpgradeDies(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryRLock(3))
	require.True(t, l.TryRLock(7))

	require.False(t, l.TryUpgrade(7))
	requireState(t, l, ModeShared, 3, 7)

	l.RUnlock(7)
	l.RUnlock(3)
	requireState(t, l, ModeFree)
}

func TestWaitDieLock_UpgradeKeepsSharedWhileWaiting(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryRLock(3))
	require.True(t, l.TryRLock(7))

	u3 := async(func() bool { return l.TryUpgrade(3) })
	waitParked(t, l, 1)
	s := l.Snapshot()
	require.Equal(t, ModeShared, s.Mode)
	require.Equal(t, []int{3, 7}, s.Holders)
	require.Equal(t, []Waiter[int]{{TS: 3, Request: RequestUpgrade}}, s.Waiters)

	// A younger reader does not wait for the parked upgrade.
	require.True(t, l.TryRLock(9))
	// A younger writer still dies against the shared holders.
	require.False(t, l.TryLock(8))

	l.RUnlock(7)
	requireBlocked(t, u3)
	l.RUnlock(9)
	requireGranted(t, u3)
	requireState(t, l, ModeExclusive, 3)
}

func TestWaitDieLock_UpgradeNeverPassesThroughFree(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryRLock(1))
	require.True(t, l.TryRLock(2))

	u1 := async(func() bool { return l.TryUpgrade(1) })
	waitParked(t, l, 1)

	var stop atomic.Bool
	var g errgroup.Group
	g.Go(func() error {
		for !stop.Load() {
			s := l.Snapshot()
			assert.NotEqual(t, ModeFree, s.Mode)
			assert.Contains(t, s.Holders, 1)
			runtime.Gosched()
		}
		return nil
	})

	l.RUnlock(2)
	requireGranted(t, u1)
	stop.Store(true)
	require.NoError(t, g.Wait())
	requireState(t, l, ModeExclusive, 1)
}

func TestWaitDieLock_TwoUpgradersDoNotDeadlock(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryRLock(5))
	require.True(t, l.TryRLock(9))

	u5 := async(func() bool { return l.TryUpgrade(5) })
	waitParked(t, l, 1)

	// 3 would block the parked upgrade of 5 if it were let in, so it
	// queues behind it instead.
	r3 := async(func() bool { return l.TryRLock(3) })
	waitParked(t, l, 2)
	requireState(t, l, ModeShared, 5, 9)

	l.RUnlock(9)
	requireGranted(t, u5)
	requireState(t, l, ModeExclusive, 5)
	requireBlocked(t, r3)

	l.Unlock(5)
	requireGranted(t, r3)
	requireState(t, l, ModeShared, 3)

	require.True(t, l.TryUpgrade(3))
	l.Unlock(3)
	requireState(t, l, ModeFree)
}

func TestWaitDieLock_OlderReaderQueuesBehindYoungerWriter(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryRLock(10))

	w8 := async(func() bool { return l.TryLock(8) })
	waitParked(t, l, 1)

	r6 := async(func() bool { return l.TryRLock(6) })
	waitParked(t, l, 2)
	require.Equal(t, []Waiter[int]{
		{TS: 8, Request: RequestExclusive},
		{TS: 6, Request: RequestShared},
	}, l.Snapshot().Waiters)

	// Younger than every parked request: granted at once.
	require.True(t, l.TryRLock(12))
	requireState(t, l, ModeShared, 10, 12)

	l.RUnlock(10)
	l.RUnlock(12)
	requireGranted(t, w8)
	requireBlocked(t, r6)
	requireState(t, l, ModeExclusive, 8)

	l.Unlock(8)
	requireGranted(t, r6)
	requireState(t, l, ModeShared, 6)
}

func TestWaitDieLock_PromotesYoungestFirst(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryLock(10))

	r9 := async(func() bool { return l.TryRLock(9) })
	waitParked(t, l, 1)
	w8 := async(func() bool { return l.TryLock(8) })
	waitParked(t, l, 2)
	r7 := async(func() bool { return l.TryRLock(7) })
	waitParked(t, l, 3)
	r6 := async(func() bool { return l.TryRLock(6) })
	waitParked(t, l, 4)

	require.Equal(t, "Waiter: [ 9(S) 8(X) 7(S) 6(S) ]\nOwner: (X): [ 10 ]\n", l.String())

	l.Unlock(10)
	requireGranted(t, r9)
	requireState(t, l, ModeShared, 9)
	requireBlocked(t, w8)

	l.RUnlock(9)
	requireGranted(t, w8)
	requireState(t, l, ModeExclusive, 8)

	l.Unlock(8)
	requireGranted(t, r7)
	requireGranted(t, r6)
	requireState(t, l, ModeShared, 6, 7)
	require.Empty(t, l.Snapshot().Waiters)
}

func TestWaitDieLock_EqualTimestampDies(t *testing.T) {
	l := NewWaitDieLock[int]()

	require.True(t, l.TryRLock(4))
	require.False(t, l.TryRLock(4))
	require.False(t, l.TryLock(4))
	requireState(t, l, ModeShared, 4)

	require.True(t, l.TryUpgrade(4))
	require.False(t, l.TryLock(4))
	require.False(t, l.TryRLock(4))
	requireState(t, l, ModeExclusive, 4)

	l.Unlock(4)
	requireState(t, l, ModeFree)
}

func TestWaitDieLock_EqualTimestampHoldsOneSlot(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryLock(5))
	require.False(t, l.TryRLock(5))
	l.Unlock(5)

	require.True(t, l.TryRLock(5))
	require.False(t, l.TryRLock(5))
	l.RUnlock(5)

	// No second caller is left believing it reads.
	require.True(t, l.TryLock(7))
	requireState(t, l, ModeExclusive, 7)
}

func TestWaitDieLock_EqualTimestampParkedDies(t *testing.T) {
	l := NewWaitDieLock[int]()
	require.True(t, l.TryLock(10))

	r9 := async(func() bool { return l.TryRLock(9) })
	waitParked(t, l, 1)
	require.False(t, l.TryRLock(9))
	require.False(t, l.TryLock(9))
	require.Len(t, l.Snapshot().Waiters, 1)

	l.Unlock(10)
	requireGranted(t, r9)
	requireState(t, l, ModeShared, 9)
}

func TestWaitDieLock_Panics(t *testing.T) {
	l := NewWaitDieLock[int]()

	require.Panics(t, func() { l.RUnlock(1) })
	require.Panics(t, func() { l.Unlock(1) })
	require.Panics(t, func() { l.TryUpgrade(1) })

	require.True(t, l.TryRLock(1))
	require.Panics(t, func() { l.Unlock(1) })
	require.Panics(t, func() { l.RUnlock(2) })
	require.Panics(t, func() { l.TryUpgrade(2) })
	requireState(t, l, ModeShared, 1)

	require.True(t, l.TryUpgrade(1))
	require.Panics(t, func() { l.RUnlock(1) })
	require.Panics(t, func() { l.Unlock(2) })
	require.Panics(t, func() { l.TryUpgrade(1) })
	requireState(t, l, ModeExclusive, 1)

	// The mutex was released by every panic.
	l.Unlock(1)
	require.True(t, l.TryLock(2))
}

func TestWaitDieLock_TraceDoesNotMutate(t *testing.T) {
	l := NewWaitDieLock[int](WithName("trace"))
	var b1, b2 strings.Builder
	require.NoError(t, l.Trace(&b1))
	require.Equal(t, "Waiter: [ ]\nOwner: (I): [ ]\n", b1.String())

	require.True(t, l.TryLock(10))
	r9 := async(func() bool { return l.TryRLock(9) })
	waitParked(t, l, 1)
	w8 := async(func() bool { return l.TryLock(8) })
	waitParked(t, l, 2)
	r6 := async(func() bool { return l.TryRLock(6) })
	waitParked(t, l, 3)

	const want = "Waiter: [ 9(S) 8(X) 6(S) ]\nOwner: (X): [ 10 ]\n"
	require.NoError(t, l.Trace(&b2))
	require.Equal(t, want, b2.String())
	require.Equal(t, want, l.String())
	require.Equal(t, "trace", l.Snapshot().Name)

	l.Unlock(10)
	requireGranted(t, r9)
	l.RUnlock(9)
	requireGranted(t, w8)
	l.Unlock(8)
	requireGranted(t, r6)
	l.RUnlock(6)
	requireState(t, l, ModeFree)
}

func TestWaitDieLock_Stress(t *testing.T) {
	const workers = 16
	rounds := 200
	if opt.Race_ {
		rounds = 50
	}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l := NewWaitDieLock[uint64](WithName("stress"), WithMetrics(m))
	var (
		clock    Clock
		writers  atomic.Int32
		readers  atomic.Int32
		died     atomic.Int64
		violated atomic.Bool
	)

	check := func() {
		w, r := writers.Load(), readers.Load()
		if w > 1 || (w == 1 && r > 0) {
			violated.Store(true)
		}
	}
	// hold keeps the lock long enough for other workers to run into it.
	hold := func() {
		for range 4 {
			check()
			runtime.Gosched()
		}
	}

	var g errgroup.Group
	for i := range workers {
		g.Go(func() error {
			for j := range rounds {
				ts := clock.Next()
				write := (i+j)%3 == 0
				for {
					var ok bool
					if write {
						ok = l.TryLock(ts)
					} else {
						ok = l.TryRLock(ts)
					}
					if ok {
						break
					}
					died.Add(1)
					runtime.Gosched()
				}

				if write {
					writers.Add(1)
					hold()
					writers.Add(-1)
					l.Unlock(ts)
				} else {
					readers.Add(1)
					hold()
					if j%4 == 0 && l.TryUpgrade(ts) {
						readers.Add(-1)
						writers.Add(1)
						hold()
						writers.Add(-1)
						l.Unlock(ts)
						continue
					}
					readers.Add(-1)
					l.RUnlock(ts)
				}
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("stress run did not finish; possible deadlock")
	}

	require.False(t, violated.Load(), "exclusive access was shared")
	requireState(t, l, ModeFree)
	require.Empty(t, l.Snapshot().Waiters)

	waited := testutil.ToFloat64(m.requests.WithLabelValues("stress", "shared", OutcomeWaited)) +
		testutil.ToFloat64(m.requests.WithLabelValues("stress", "exclusive", OutcomeWaited)) +
		testutil.ToFloat64(m.requests.WithLabelValues("stress", "upgrade", OutcomeWaited))
	require.Positive(t, waited, "no request ever parked")
	require.Zero(t, testutil.ToFloat64(m.waiters.WithLabelValues("stress")))
	t.Logf("deaths: %d, waits: %.0f", died.Load(), waited)
}
