package paint

import "golang.org/x/sync/errgroup"

// parallelFor runs fn(0..n-1) on at most `workers` goroutines. Callers must
// make every fn(i) write a disjoint region so the result does not depend on
// scheduling.
func parallelFor(n int, fn func(i int)) {
	if n <= 1 || workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
