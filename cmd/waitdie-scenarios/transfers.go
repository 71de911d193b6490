package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/waitdie"
)

// ledger is a set of accounts whose balances are guarded by a lock table.
type ledger struct {
	table    *waitdie.WaitDieLockGroup[string, uint64]
	balances map[string]*int
	died     atomic.Int64
}

// transfers runs concurrent transactions that each move money between two
// accounts, locking them in opposite orders. Wait-Die keeps them from
// deadlocking; a transaction that dies releases everything and retries
// with its original timestamp.
func transfers(ctx context.Context, r *runner) error {
	accounts := []string{"alice", "bob", "carol"}
	lg := &ledger{
		table: waitdie.NewWaitDieLockGroup[string, uint64](
			waitdie.WithLogger(r.log),
			waitdie.WithMetrics(r.metrics),
		),
		balances: make(map[string]*int, len(accounts)),
	}
	for _, a := range accounts {
		balance := 100
		lg.balances[a] = &balance
	}

	var clock waitdie.Clock
	g, gctx := errgroup.WithContext(ctx)
	for i := range 30 {
		from := accounts[i%3]
		to := accounts[(i+1+(i/3)%2)%3]
		g.Go(func() error {
			return lg.transfer(gctx, clock.Next(), from, to, 1+i%5)
		})
	}
	if err := wait(ctx, g); err != nil {
		return err
	}

	total := 0
	for _, b := range lg.balances {
		total += *b
	}
	if total != 100*len(accounts) {
		return fmt.Errorf("balances sum to %d, want %d", total, 100*len(accounts))
	}
	if n := lg.table.Len(); n != 0 {
		return fmt.Errorf("%d locks still live after every transaction finished", n)
	}
	r.log.Info("transfers settled", "transactions", 30, "deaths", lg.died.Load(), "last_ts", clock.Now())
	return lg.table.Trace(r.out)
}

func (lg *ledger) transfer(ctx context.Context, ts uint64, from, to string, amount int) error {
	for {
		err := lg.attempt(ts, from, to, amount)
		if !errors.Is(err, waitdie.ErrDied) {
			return err
		}
		lg.died.Add(1)

		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction %d: %w", ts, ctx.Err())
		case <-time.After(time.Duration(rand.IntN(200)) * time.Microsecond):
		}
	}
}

// attempt reads the source under shared access, upgrades it to pay out,
// then takes the destination exclusively. Everything it acquired is
// released before it returns, whether it committed or died.
func (lg *ledger) attempt(ts uint64, from, to string, amount int) error {
	held := make(map[string]waitdie.Mode, 2)
	defer func() {
		for k, m := range held {
			if m == waitdie.ModeShared {
				lg.table.RUnlock(k, ts)
			} else {
				lg.table.Unlock(k, ts)
			}
		}
	}()

	if err := lg.table.Acquire(from, ts, waitdie.RequestShared); err != nil {
		return err
	}
	held[from] = waitdie.ModeShared
	if *lg.balances[from] < amount {
		return nil
	}

	if err := lg.table.Acquire(from, ts, waitdie.RequestUpgrade); err != nil {
		return err
	}
	held[from] = waitdie.ModeExclusive

	if err := lg.table.Acquire(to, ts, waitdie.RequestExclusive); err != nil {
		return err
	}
	held[to] = waitdie.ModeExclusive

	*lg.balances[from] -= amount
	*lg.balances[to] += amount
	return nil
}
