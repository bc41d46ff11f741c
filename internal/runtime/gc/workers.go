package gc

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// WorkerGang runs pause and marking tasks on a fixed number of goroutines
type WorkerGang struct {
	name    string
	workers int
}

// NewWorkerGang creates a gang of n workers
func NewWorkerGang(name string, n int) *WorkerGang {
	if n < 1 {
		n = 1
	}
	return &WorkerGang{name: name, workers: n}
}

// Size returns the number of workers
func (g *WorkerGang) Size() int { return g.workers }

// Run executes task on every worker and waits for all of them. A panic in
// a worker is returned as an error rather than unwinding the pause.
func (g *WorkerGang) Run(ctx context.Context, task func(ctx context.Context, worker int) error) error {
	eg, gctx := errgroup.WithContext(ctx)
	for w := 0; w < g.workers; w++ {
		w := w
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s worker %d: %v\n%s", g.name, w, r, debug.Stack())
				}
			}()
			return task(gctx, w)
		})
	}
	return eg.Wait()
}
