package service

import (
	"context"
	"time"

	"attendly/internal/metrics"

	"github.com/sirupsen/logrus"
)

const drainTimeout = 5 * time.Second

// backgroundQueue moves I/O off the request path. Pushes never block; a full
// queue drops the item and counts it.
type backgroundQueue[T any] struct {
	name    string
	items   chan T
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

func newBackgroundQueue[T any](name string, size int, m *metrics.Metrics, log logrus.FieldLogger) *backgroundQueue[T] {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &backgroundQueue[T]{
		name:    name,
		items:   make(chan T, size),
		metrics: m,
		log:     log,
	}
}

func (q *backgroundQueue[T]) push(item T) bool {
	select {
	case q.items <- item:
		return true
	default:
		q.metrics.Dropped(q.name)
		return false
	}
}

// run handles items until ctx is cancelled, then drains what is left with a
// bounded deadline of its own.
func (q *backgroundQueue[T]) run(ctx context.Context, handle func(context.Context, T) error) error {
	for {
		select {
		case item := <-q.items:
			q.handle(ctx, handle, item)
		case <-ctx.Done():
			q.drain(handle)
			return nil
		}
	}
}

func (q *backgroundQueue[T]) drain(handle func(context.Context, T) error) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case item := <-q.items:
			q.handle(ctx, handle, item)
		default:
			return
		}
	}
}

func (q *backgroundQueue[T]) handle(ctx context.Context, handle func(context.Context, T) error, item T) {
	if err := handle(ctx, item); err != nil {
		q.log.WithError(err).WithField("queue", q.name).Error("background job failed")
	}
}
