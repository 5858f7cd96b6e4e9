package search

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"magray/internal/store"
)

// Toucher persists batched access updates.
type Toucher interface {
	Touch(ctx context.Context, accesses []store.Access) error
}

// RecorderConfig configures an AccessRecorder.
type RecorderConfig struct {
	Buffer        int           // queued ids before new ones are dropped
	MaxBatch      int           // distinct ids per flush
	FlushInterval time.Duration // longest an access waits before it is written
}

// AccessRecorder batches access metadata updates off the search path.
// Record never blocks; when the queue is full the access is dropped and
// counted.
type AccessRecorder struct {
	cfg     RecorderConfig
	toucher Toucher
	logger  *zap.Logger
	now     func() time.Time

	ch      chan string
	done    chan struct{}
	dropped atomic.Uint64
	flushed atomic.Uint64
}

// NewAccessRecorder creates a recorder; call Run to start it.
func NewAccessRecorder(t Toucher, cfg RecorderConfig, logger *zap.Logger) *AccessRecorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessRecorder{
		cfg:     cfg,
		toucher: t,
		logger:  logger.Named("access"),
		now:     time.Now,
		ch:      make(chan string, cfg.Buffer),
		done:    make(chan struct{}),
	}
}

// Record queues an access for each id.
func (r *AccessRecorder) Record(ids ...string) {
	for _, id := range ids {
		select {
		case r.ch <- id:
		default:
			r.dropped.Add(1)
		}
	}
}

// Run drains the queue until ctx is done, then writes what is left and
// returns.
func (r *AccessRecorder) Run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make(map[string]uint64)
	for {
		select {
		case id := <-r.ch:
			pending[id]++
			if len(pending) >= r.cfg.MaxBatch {
				r.flush(context.Background(), pending)
			}
		case <-ticker.C:
			r.flush(context.Background(), pending)
		case <-ctx.Done():
		drain:
			for {
				select {
				case id := <-r.ch:
					pending[id]++
				default:
					break drain
				}
			}
			r.flush(context.Background(), pending)
			return
		}
	}
}

// Done is closed once Run has returned.
func (r *AccessRecorder) Done() <-chan struct{} {
	return r.done
}

func (r *AccessRecorder) flush(ctx context.Context, pending map[string]uint64) {
	if len(pending) == 0 {
		return
	}
	now := r.now()
	batch := make([]store.Access, 0, len(pending))
	for id, n := range pending {
		batch = append(batch, store.Access{ID: id, Count: n, At: now})
	}
	clear(pending)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.toucher.Touch(ctx, batch); err != nil {
		r.logger.Warn("Access flush failed", zap.Int("ids", len(batch)), zap.Error(err))
		return
	}
	r.flushed.Add(uint64(len(batch)))
}

// Dropped returns how many accesses were discarded because the queue was full.
func (r *AccessRecorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Flushed returns how many per-id updates have been written.
func (r *AccessRecorder) Flushed() uint64 {
	return r.flushed.Load()
}
