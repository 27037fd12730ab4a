package runner

import "context"

// Stream is a single-pass iterator over values produced by a generation.
//
//	for s.Next() {
//		v := s.Current()
//	}
//	if err := s.Err(); err != nil { ... }
type Stream[T any] struct {
	items <-chan T
	cur   T
	err   error // written by the producer before items is closed
}

// newStream runs produce on its own goroutine. emit blocks until the value
// is consumed and reports false once ctx is done, at which point produce
// should return. The error produce returns becomes Err.
func newStream[T any](ctx context.Context, produce func(ctx context.Context, emit func(T) bool) error) *Stream[T] {
	ch := make(chan T)
	s := &Stream[T]{items: ch}

	emit := func(v T) bool {
		select {
		case ch <- v:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		s.err = produce(ctx, emit)
		close(ch)
	}()
	return s
}

// Next advances to the next value. It returns false when the stream ends.
func (s *Stream[T]) Next() bool {
	v, ok := <-s.items
	if !ok {
		return false
	}
	s.cur = v
	return true
}

// Current returns the value Next advanced to
func (s *Stream[T]) Current() T {
	return s.cur
}

// Err returns the failure that ended the stream, if any. Only valid after
// Next has returned false.
func (s *Stream[T]) Err() error {
	return s.err
}

// drain discards whatever is left on ch so its producer can finish
func drain[T any](ch <-chan T) {
	go func() {
		for range ch {
		}
	}()
}
