package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/waitdie"
)

type scenario struct {
	name string
	run  func(ctx context.Context, r *runner) error
}

// runner carries what every scenario needs to build and inspect locks.
type runner struct {
	out     io.Writer
	log     *slog.Logger
	metrics *waitdie.Metrics
}

func (r *runner) newLock(name string) *waitdie.WaitDieLock[uint64] {
	return waitdie.NewWaitDieLock[uint64](
		waitdie.WithName(name),
		waitdie.WithLogger(r.log),
		waitdie.WithMetrics(r.metrics),
	)
}

func (r *runner) trace(l *waitdie.WaitDieLock[uint64]) error {
	return l.Trace(r.out)
}

// expect turns an unexpected admission outcome into an error.
func expect(got, want bool, op string, ts uint64) error {
	if got == want {
		return nil
	}
	outcome := "died"
	if got {
		outcome = "was granted"
	}
	return fmt.Errorf("%s(%d) %s", op, ts, outcome)
}

// waitQueued polls until at least n requests are parked on l.
func waitQueued(ctx context.Context, l *waitdie.WaitDieLock[uint64], n int) error {
	t := time.NewTicker(100 * time.Microsecond)
	defer t.Stop()
	for {
		if len(l.Snapshot().Waiters) >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d queued requests: %w", n, ctx.Err())
		case <-t.C:
		}
	}
}

// wait joins g, giving up when ctx expires so a stuck transaction
// cannot hang the run.
func wait(ctx context.Context, g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("transactions did not finish: %w", ctx.Err())
	}
}

func readAll(l *waitdie.WaitDieLock[uint64], from, to, step uint64) error {
	for ts := from; ts >= to && ts <= from; ts -= step {
		if err := expect(l.TryRLock(ts), true, "TryRLock", ts); err != nil {
			return err
		}
	}
	return nil
}

var scenarios = []scenario{
	{"Single thread - read only", singleReadOnly},
	{"Single thread - write only", singleWriteOnly},
	{"Single thread - read only reverse", singleReadReverse},
	{"Single thread - read upgrade", singleReadUpgrade},
	{"Double thread - both read", doubleBothRead},
	{"Double thread - read after write", readAfterWrite},
	{"Double thread - read upgrade after write", readUpgradeAfterWrite},
	{"Double thread - write after write", writeAfterWrite},
	{"Double thread - write after reads", writeAfterReads},
	{"Multiple threads - write after several writes and reads", mixedWritersAndReaders},
	{"Lock table - transfers", transfers},
}

func singleReadOnly(_ context.Context, r *runner) error {
	l := r.newLock("read-only")
	for ts := uint64(0); ts <= 10; ts++ {
		if err := expect(l.TryRLock(ts), true, "TryRLock", ts); err != nil {
			return err
		}
	}
	if err := r.trace(l); err != nil {
		return err
	}
	for ts := uint64(10); ts <= 10; ts-- {
		l.RUnlock(ts)
	}
	if s := l.Snapshot(); s.Mode != waitdie.ModeFree {
		return fmt.Errorf("lock is %s after releasing every reader", s.Mode)
	}
	return r.trace(l)
}

func singleWriteOnly(_ context.Context, r *runner) error {
	l := r.newLock("write-only")
	for ts := uint64(0); ts <= 10; ts++ {
		if err := expect(l.TryLock(ts), ts == 0, "TryLock", ts); err != nil {
			return err
		}
	}
	return r.trace(l)
}

func singleReadReverse(_ context.Context, r *runner) error {
	l := r.newLock("read-reverse")
	if err := readAll(l, 10, 0, 1); err != nil {
		return err
	}
	return r.trace(l)
}

func singleReadUpgrade(_ context.Context, r *runner) error {
	l := r.newLock("read-upgrade")
	for ts := uint64(10); ts <= 10; ts-- {
		if err := expect(l.TryRLock(ts), true, "TryRLock", ts); err != nil {
			return err
		}
		if err := expect(l.TryUpgrade(ts), true, "TryUpgrade", ts); err != nil {
			return err
		}
		l.Unlock(ts)
	}
	return r.trace(l)
}

func doubleBothRead(ctx context.Context, r *runner) error {
	l := r.newLock("both-read")
	var g errgroup.Group
	for i := range uint64(2) {
		g.Go(func() error {
			return readAll(l, 100+i, 0, 2)
		})
	}
	if err := wait(ctx, &g); err != nil {
		return err
	}
	return r.trace(l)
}

// holdExclusive starts a scenario with ts holding l exclusively.
func holdExclusive(r *runner, l *waitdie.WaitDieLock[uint64], ts uint64) error {
	if err := expect(l.TryLock(ts), true, "TryLock", ts); err != nil {
		return err
	}
	return r.trace(l)
}

func readAfterWrite(ctx context.Context, r *runner) error {
	l := r.newLock("read-after-write")
	if err := holdExclusive(r, l, 10); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		return expect(l.TryRLock(9), true, "TryRLock", 9)
	})
	if err := waitQueued(ctx, l, 1); err != nil {
		return err
	}
	if err := r.trace(l); err != nil {
		return err
	}
	l.Unlock(10)
	if err := wait(ctx, &g); err != nil {
		return err
	}
	return r.trace(l)
}

func readUpgradeAfterWrite(ctx context.Context, r *runner) error {
	l := r.newLock("read-upgrade-after-write")
	if err := holdExclusive(r, l, 10); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := expect(l.TryRLock(9), true, "TryRLock", 9); err != nil {
			return err
		}
		return expect(l.TryUpgrade(9), true, "TryUpgrade", 9)
	})
	if err := waitQueued(ctx, l, 1); err != nil {
		return err
	}
	if err := r.trace(l); err != nil {
		return err
	}
	l.Unlock(10)
	if err := wait(ctx, &g); err != nil {
		return err
	}
	return r.trace(l)
}

func writeAfterWrite(ctx context.Context, r *runner) error {
	l := r.newLock("write-after-write")
	if err := holdExclusive(r, l, 10); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		return expect(l.TryLock(9), true, "TryLock", 9)
	})
	if err := waitQueued(ctx, l, 1); err != nil {
		return err
	}
	if err := r.trace(l); err != nil {
		return err
	}
	l.Unlock(10)
	if err := wait(ctx, &g); err != nil {
		return err
	}
	return r.trace(l)
}

func writeAfterReads(ctx context.Context, r *runner) error {
	l := r.newLock("write-after-reads")
	if err := readAll(l, 10, 9, 1); err != nil {
		return err
	}
	if err := r.trace(l); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		return expect(l.TryLock(8), true, "TryLock", 8)
	})
	if err := waitQueued(ctx, l, 1); err != nil {
		return err
	}
	if err := r.trace(l); err != nil {
		return err
	}
	l.RUnlock(10)
	l.RUnlock(9)
	if err := wait(ctx, &g); err != nil {
		return err
	}
	return r.trace(l)
}

// mixedWritersAndReaders parks readers 9, 7, 6 and writer 8 behind writer
// 10. Grants go youngest first: 9 reads, then 8 writes, then 7 and 6 read
// together.
func mixedWritersAndReaders(ctx context.Context, r *runner) error {
	l := r.newLock("mixed")
	if err := holdExclusive(r, l, 10); err != nil {
		return err
	}

	var first, writer, last errgroup.Group
	first.Go(func() error {
		return expect(l.TryRLock(9), true, "TryRLock", 9)
	})
	writer.Go(func() error {
		return expect(l.TryLock(8), true, "TryLock", 8)
	})
	for _, ts := range []uint64{7, 6} {
		last.Go(func() error {
			return expect(l.TryRLock(ts), true, "TryRLock", ts)
		})
	}
	if err := waitQueued(ctx, l, 4); err != nil {
		return err
	}
	if err := r.trace(l); err != nil {
		return err
	}

	l.Unlock(10)
	if err := wait(ctx, &first); err != nil {
		return err
	}
	if err := r.trace(l); err != nil {
		return err
	}

	l.RUnlock(9)
	if err := wait(ctx, &writer); err != nil {
		return err
	}
	if err := r.trace(l); err != nil {
		return err
	}

	l.Unlock(8)
	if err := wait(ctx, &last); err != nil {
		return err
	}
	if err := r.trace(l); err != nil {
		return err
	}

	l.RUnlock(7)
	l.RUnlock(6)
	return r.trace(l)
}
