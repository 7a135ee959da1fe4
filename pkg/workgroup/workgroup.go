package workgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs detached tasks sharing one context. Nobody is required to Wait;
// the bootstrap never does once it parks.
type Group struct {
	ctx   context.Context
	group errgroup.Group
}

func WithContext(ctx context.Context) *Group {
	return &Group{
		ctx:   ctx,
		group: errgroup.Group{},
	}
}

func (g *Group) Work(fn func(context.Context) error) {
	g.group.Go(func() error {
		return fn(g.ctx)
	})
}

func (g *Group) Wait() error {
	return g.group.Wait()
}
