package browser

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partscout/partscout/internal/humanize"
	"github.com/partscout/partscout/internal/metrics"
	"github.com/partscout/partscout/internal/types"
)

// Serializer admits at most one browser operation at a time, system-wide.
// The target site tolerates a single polite browser much better than
// parallel automated tabs, so every rendered fetch goes through here.
//
// The slot is a one-deep channel rather than a sync.Mutex so waiters can
// give up when their context is canceled.
type Serializer struct {
	slot     chan struct{}
	preDelay time.Duration
	trailing time.Duration

	queued atomic.Int32
	ops    atomic.Uint64
}

// NewSerializer creates a serializer. preDelay is applied before an
// operation when other callers are queued; trailing is the settle gap after
// every operation before the next one may start.
func NewSerializer(preDelay, trailing time.Duration) *Serializer {
	return &Serializer{
		slot:     make(chan struct{}, 1),
		preDelay: preDelay,
		trailing: trailing,
	}
}

// Do runs op while holding the global browser slot.
//
// The slot is released on every path out of op, including error returns,
// panics unwinding through Do, and operation timeouts. A timeout inside op
// is returned to the caller unchanged; Do never retries.
func (s *Serializer) Do(ctx context.Context, name string, op func(context.Context) error) error {
	waiting := s.queued.Add(1)
	metrics.SerializerQueueDepth.Set(float64(waiting))
	defer func() {
		metrics.SerializerQueueDepth.Set(float64(s.queued.Add(-1)))
	}()

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())
	}

	start := time.Now()
	defer func() {
		// Settle gap while still holding the slot, so the next operation
		// cannot start the instant this one ends
		if s.trailing > 0 {
			time.Sleep(s.trailing)
		}
		<-s.slot
		metrics.SerializedOpDuration.Observe(time.Since(start).Seconds())
		log.Debug().
			Str("op", name).
			Dur("held", time.Since(start)).
			Msg("Serialized browser operation finished")
	}()

	// Other work was queued behind us: pause briefly so operations do not
	// hit the target back to back
	if waiting > 1 && s.preDelay > 0 {
		humanize.SleepWithJitter(ctx, s.preDelay, 0.3)
	}

	s.ops.Add(1)
	log.Debug().Str("op", name).Int32("queued", waiting-1).Msg("Serialized browser operation starting")

	return op(ctx)
}

// QueueDepth returns the number of callers currently inside Do, including
// the one holding the slot.
func (s *Serializer) QueueDepth() int {
	return int(s.queued.Load())
}

// Ops returns the total number of operations run.
func (s *Serializer) Ops() uint64 {
	return s.ops.Load()
}
