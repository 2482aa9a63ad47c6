package app

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 5 * time.Second

// Ready pings every backing service concurrently. One failing dependency
// does not cut the others short, so the report always names each of them.
func (s *Service) Ready(ctx context.Context) (bool, map[string]Check) {
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		ready  = true
		checks = make(map[string]Check)
	)
	var g errgroup.Group
	for name, target := range s.readinessTargets() {
		g.Go(func() error {
			check := Check{Status: "ok"}
			if err := target.Ping(ctx); err != nil {
				check = Check{Status: "error", Error: err.Error()}
			}
			mu.Lock()
			defer mu.Unlock()
			checks[name] = check
			if check.Status != "ok" {
				ready = false
			}
			return nil
		})
	}
	_ = g.Wait()
	return ready, checks
}
