package audio

import (
	"context"
	"sync"
)

// chunkQueue is the FIFO handoff between the slicer and the consumer.
// Pushing never blocks; when a bound is set the oldest chunk is dropped.
type chunkQueue[S Sample] struct {
	notify chan struct{}

	mu      sync.Mutex
	items   []Chunk[S]
	limit   int
	closed  bool
	dropped uint64
}

func newChunkQueue[S Sample](limit int) *chunkQueue[S] {
	return &chunkQueue[S]{
		notify: make(chan struct{}, 1),
		limit:  limit,
	}
}

// push appends a chunk and reports whether an older chunk was dropped
func (q *chunkQueue[S]) push(c Chunk[S]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	dropped := false
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items[0] = Chunk[S]{}
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, c)

	// notify is only closed under mu, so this send can't race close().
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (q *chunkQueue[S]) tryPop() (Chunk[S], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Chunk[S]{}, false
	}
	c := q.items[0]
	q.items[0] = Chunk[S]{}
	q.items = q.items[1:]
	return c, true
}

// wait blocks until a chunk is queued, the queue is closed and empty
// (ErrClosed), or ctx is done.
func (q *chunkQueue[S]) wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		n, closed := len(q.items), q.closed
		q.mu.Unlock()

		if n > 0 {
			return nil
		}
		if closed {
			return ErrClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *chunkQueue[S]) pop(ctx context.Context) (Chunk[S], error) {
	for {
		if err := q.wait(ctx); err != nil {
			return Chunk[S]{}, err
		}
		if c, ok := q.tryPop(); ok {
			return c, nil
		}
	}
}

// drain removes and returns every queued chunk in FIFO order
func (q *chunkQueue[S]) drain() []Chunk[S] {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

func (q *chunkQueue[S]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *chunkQueue[S]) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *chunkQueue[S]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}
