// Package lazyinit runs a component's load sequence exactly once, sharing the
// in-flight attempt between concurrent callers.
package lazyinit

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// State is the lifecycle of a lazily initialized component
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Guard memoizes a load function. The zero value is ready to use.
//
// A successful load moves the guard to StateReady and every later call
// returns immediately. A failed load moves it back to StateUninitialized so
// the next caller retries.
type Guard struct {
	group singleflight.Group
	state atomic.Int32
}

// Do runs load unless it already succeeded. Callers that arrive while a load
// is in flight wait for it and receive its error. The load keeps the values
// of the starting caller's context but not its cancellation. A caller whose
// own ctx ends stops waiting with ctx.Err().
func (g *Guard) Do(ctx context.Context, load func(ctx context.Context) error) error {
	if g.Ready() {
		return nil
	}

	ch := g.group.DoChan("load", func() (interface{}, error) {
		if g.Ready() {
			return nil, nil
		}
		g.state.Store(int32(StateInitializing))
		if err := load(context.WithoutCancel(ctx)); err != nil {
			g.state.Store(int32(StateUninitialized))
			return nil, err
		}
		g.state.Store(int32(StateReady))
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state
func (g *Guard) State() State {
	return State(g.state.Load())
}

// Ready reports whether a load has completed successfully
func (g *Guard) Ready() bool {
	return g.State() == StateReady
}
