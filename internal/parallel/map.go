package parallel

import (
	"context"
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"
)

// InputError is yielded by Map for every failure reported by the input
// sequence itself. Input is the element the sequence yielded with the error.
type InputError[E any] struct {
	Input E
	Err   error
}

func (e *InputError[E]) Error() string {
	return fmt.Sprintf("input: %v", e.Err)
}

func (e *InputError[E]) Unwrap() error {
	return e.Err
}

type result[D any] struct {
	d D
	e error
}

// Map is a parallel mapping function, which runs at most limit mapFuncs in
// parallel and yields results in completion order. Input and output are
// iterators, so the typical usage is
//
//	for result, err := range parallel.NewMap(ctx, 4, f).Iter(input) {}
//
// Errors of the input sequence are not mapped, they are passed through as
// *InputError. A canceled context ends the processing. Iter does not return
// before all goroutines it started have finished.
type Map[E, D any] struct {
	limit   int
	ctx     context.Context
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	return &Map[E, D]{
		limit:   limit,
		ctx:     ctx,
		mapFunc: mapFunc,
	}
}

func (m *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// one extra slot for the feeder
		g.SetLimit(m.limit + 1)
		mapped := make(chan result[D], m.limit)

		send := func(r result[D]) {
			select {
			case <-gctx.Done():
			case mapped <- r:
			}
		}

		g.Go(func() error {
			for entry, err := range seq {
				if gctx.Err() != nil {
					return nil
				}
				if err != nil {
					send(result[D]{e: &InputError[E]{Input: entry, Err: err}})
					continue
				}
				g.Go(func() error {
					d, err := m.mapFunc(gctx, entry)
					send(result[D]{d: d, e: err})
					return nil
				})
			}
			return nil
		})

		go func() {
			_ = g.Wait()
			close(mapped)
		}()

		defer func() {
			cancel()
			for range mapped {
			}
		}()

		for r := range mapped {
			if m.ctx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
