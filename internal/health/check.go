package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Checker is implemented by every dependency that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f(ctx).
func (f CheckerFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// Result is the outcome of one named check.
type Result struct {
	Name string
	Err  error
}

// Run executes checks concurrently, each bounded by timeout, and returns the
// results sorted by name. A nil checker is skipped.
func Run(ctx context.Context, checks map[string]Checker, timeout time.Duration) []Result {
	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(checks))
		g       errgroup.Group
	)
	for name, c := range checks {
		if c == nil {
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := c.HealthCheck(cctx)

			mu.Lock()
			results = append(results, Result{Name: name, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Healthy reports whether every result succeeded.
func Healthy(results []Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return false
		}
	}
	return true
}
