package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[E, D any] struct {
	e   E
	d   D
	err error
}

// Map runs mapFunc over the entries of an input iterator with at most limit
// calls in flight and yields the results in order of completion.
// Map is context aware, so canceled context ends the processing.
//
//	for in, out, err := range pmap.Iter(input) {}
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan result[E, D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	// one extra slot for the feeding goroutine
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		parentCtx:    parentCtx,
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       make(chan result[E, D], limit),
		mapFunc:      mapFunc,
	}
}

// goWorkers feeds the input to the workers. Input errors are passed through
// to the consumer without calling mapFunc.
func (s *Map[E, D]) goWorkers(seq iter.Seq2[E, error]) {
	s.g.Go(func() error {
		for entry, nerr := range seq {
			if s.gctx.Err() != nil {
				return s.gctx.Err()
			}
			if nerr != nil {
				var zero D
				if !s.send(result[E, D]{e: entry, d: zero, err: nerr}) {
					return s.gctx.Err()
				}
				continue
			}
			s.g.Go(func() error {
				d, err := s.mapFunc(s.gctx, entry)
				if !s.send(result[E, D]{e: entry, d: d, err: err}) {
					return s.gctx.Err()
				}
				return nil
			})
		}
		return nil
	})
}

func (s *Map[E, D]) send(r result[E, D]) bool {
	select {
	case <-s.gctx.Done():
		return false
	case s.mapped <- r:
		return true
	}
}

// Iter starts the processing. Breaking out of the loop cancels the
// remaining work.
func (s *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[Result[E, D], error] {
	return func(yield func(Result[E, D], error) bool) {
		defer s.cancelParent()
		s.goWorkers(seq)

		go func() {
			_ = s.g.Wait()
			close(s.mapped)
		}()

		for r := range s.mapped {
			if s.parentCtx.Err() != nil {
				return
			}
			if !yield(Result[E, D]{In: r.e, Out: r.d}, r.err) {
				return
			}
		}
	}
}

// Result pairs an input with the value mapFunc returned for it.
type Result[E, D any] struct {
	In  E
	Out D
}
