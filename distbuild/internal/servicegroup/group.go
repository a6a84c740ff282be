// Package servicegroup runs the long-lived components of a coordinator or
// worker-agent process side by side; the first failure stops the rest,
// and every component error is returned, aggregated.
package servicegroup

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
)

// Component is a long-running piece of the coordinator or worker-agent
// process: the worker listener, the metrics/pprof HTTP server, the
// event-loop driver goroutine, and so on.
type Component interface {
	// Name identifies the component in logs and error messages.
	Name() string

	// Run blocks until ctx is cancelled or the component fails.
	Run(ctx context.Context) error
}

// Group is a fixed set of components that are started together and torn
// down together: the first one to fail cancels the rest.
type Group []Component

// Run starts every component in the group and blocks until ctx is
// cancelled or any component returns an error, at which point the
// remaining components are cancelled and Run waits for them to exit.
func (g Group) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	var wg sync.WaitGroup
	errCh := make(chan error, len(g))
	wg.Add(len(g))
	for _, c := range g {
		go func(c Component) {
			defer wg.Done()
			if err := c.Run(runCtx); err != nil {
				errCh <- xerrors.Errorf("%s: %w", c.Name(), err)
				cancelFn()
			}
		}(c)
	}

	<-runCtx.Done()
	wg.Wait()

	var err error
	close(errCh)
	for cErr := range errCh {
		err = multierror.Append(err, cErr)
	}
	return err
}
