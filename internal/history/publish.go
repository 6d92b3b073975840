package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/ppvctl/internal/metrics"
)

// Publisher delivers samples to a live sink. Publishing is best effort: a
// failing sink never stops the control loop.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, s Sample) error
	Close() error
}

// Fanout hands samples to publishers from a background goroutine so slow
// sinks do not stretch the tick. Samples are dropped when the buffer is full.
type Fanout struct {
	pubs    []Publisher
	logger  *zap.Logger
	metrics *metrics.Collector
	timeout time.Duration

	ch     chan Sample
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	closed bool

	dropped int64
}

// NewFanout starts the delivery goroutine. collector may be nil.
func NewFanout(pubs []Publisher, buffer int, logger *zap.Logger, collector *metrics.Collector) *Fanout {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fanout{
		pubs:    pubs,
		logger:  logger,
		metrics: collector,
		timeout: time.Second,
		ch:      make(chan Sample, buffer),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

// Publish queues a sample without blocking.
func (f *Fanout) Publish(s Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- s:
	default:
		f.dropped++
		if f.dropped == 1 || f.dropped%1000 == 0 {
			f.logger.Warn("Publish buffer full, dropping samples", zap.Int64("dropped", f.dropped))
		}
	}
}

func (f *Fanout) run() {
	defer close(f.done)
	for s := range f.ch {
		for _, p := range f.pubs {
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			err := p.Publish(ctx, s)
			cancel()
			f.metrics.RecordPublish(p.Name(), err)
			if err != nil {
				f.logger.Debug("Publish failed",
					zap.String("sink", p.Name()),
					zap.String("switch", s.Switch),
					zap.Error(err),
				)
			}
		}
	}
}

// Close drains queued samples and closes every publisher.
func (f *Fanout) Close() error {
	var first error
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		close(f.ch)
		f.mu.Unlock()
		<-f.done
		for _, p := range f.pubs {
			if err := p.Close(); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}
