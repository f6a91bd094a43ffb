package parhash

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// dispatcher runs one logical worker per index of a batch on an ants pool.
// Indices are handed out in grain-sized chunks so that a pool task amortizes
// its submission cost over many keys.
type dispatcher struct {
	pool  *ants.Pool
	owned bool
	grain int
}

func newDispatcher(pool *ants.Pool, workers, grain int, logger *zap.Logger) (*dispatcher, error) {
	if pool != nil {
		return &dispatcher{pool: pool, grain: grain}, nil
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v interface{}) {
		// A panicking key would leave its batch half applied; the
		// Store cannot recover from that, so crash loudly.
		logger.Error("batch worker panicked", zap.Any("panic", v))
		panic(v)
	}))
	if err != nil {
		return nil, err
	}
	return &dispatcher{pool: pool, owned: true, grain: grain}, nil
}

// run calls fn(i) for every i in [0, n) and returns once all calls have
// finished. Calls for different indices may run concurrently.
func (d *dispatcher) run(n int, fn func(i int)) {
	if n <= d.grain {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += d.grain {
		lo, hi := lo, min(lo+d.grain, n)
		task := func() {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				fn(i)
			}
		}
		wg.Add(1)
		if err := d.pool.Submit(task); err != nil {
			// pool closed or overloaded in non-blocking mode
			task()
		}
	}
	wg.Wait()
}

func (d *dispatcher) close() {
	if d.owned {
		d.pool.Release()
	}
}
