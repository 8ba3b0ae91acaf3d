package adapter

import (
	"context"
	"sync"

	"tickflow/internal/market"
)

// fanOut runs fetch for every symbol with at most concurrency calls in
// flight and streams the snapshots as they complete. Order across symbols is
// not guaranteed. The channel is closed once every symbol has produced a
// result; individual failures arrive as ERROR snapshots and never abort the
// batch.
func fanOut(ctx context.Context, symbols []string, concurrency int, fetch func(context.Context, string) market.Snapshot) <-chan market.Snapshot {
	out := make(chan market.Snapshot, len(symbols))
	if len(symbols) == 0 {
		close(out)
		return out
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	wg.Add(len(symbols))

	for _, symbol := range symbols {
		go func(symbol string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out <- fetch(ctx, symbol)
		}(symbol)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
