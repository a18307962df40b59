// Package transformer filters and reshapes data records before encoding.
package transformer

import (
	"context"
	"errors"
)

// ErrSkip drops the record being transformed. It is not a failure.
var ErrSkip = errors.New("skip record")

// Transformer converts one value into another.
type Transformer[I, O any] interface {
	Transform(ctx context.Context, in I) (O, error)
}

type Func[I, O any] func(ctx context.Context, in I) (O, error)

func (f Func[I, O]) Transform(ctx context.Context, in I) (O, error) { return f(ctx, in) }

// Chain applies ts in order, stopping at the first error.
func Chain[T any](ts ...Transformer[T, T]) Transformer[T, T] {
	return Func[T, T](func(ctx context.Context, in T) (T, error) {
		var err error
		for _, t := range ts {
			if in, err = t.Transform(ctx, in); err != nil {
				return in, err
			}
		}
		return in, nil
	})
}

// Then feeds the output of a into b.
func Then[I, M, O any](a Transformer[I, M], b Transformer[M, O]) Transformer[I, O] {
	return Func[I, O](func(ctx context.Context, in I) (O, error) {
		mid, err := a.Transform(ctx, in)
		if err != nil {
			var zero O
			return zero, err
		}
		return b.Transform(ctx, mid)
	})
}

// Apply transforms every item, dropping those that return ErrSkip.
func Apply[I, O any](ctx context.Context, t Transformer[I, O], items []I) ([]O, error) {
	out := make([]O, 0, len(items))
	for i := range items {
		o, err := t.Transform(ctx, items[i])
		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
