// Package router implements the per-engine stream consumer described in
// spec §4.9: a continuous consumeMessages loop with empty-read backoff,
// throttle application between reads, periodic stalled-message reclaim,
// and per-topic message counters surfaced to quorum rollcall.
//
// Grounded on the teacher's cmd/workflow-runner/coordinator/coordinator.go
// Start() loop (blocking read, dispatch to a handler per message,
// context-cancellation exit) and router.go's StreamRouter (stream
// naming, topic registry), generalized from the teacher's single BLPOP
// queue to a per-topic consumer-grouped stream with reclaim and
// throttle, neither of which the teacher's router has an analog for.
package router

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/stream"
)

// Handler processes one delivered message; returning a non-nil error
// leaves the entry unacknowledged for a later reclaim.
type Handler func(ctx context.Context, msg stream.Message) error

// Options configures a Router, sourced from config.EngineConfig.
type Options struct {
	StreamKey    string
	Group        string
	Consumer     string
	BatchSize    int64
	BlockFor     time.Duration
	ReclaimDelay time.Duration
	ReclaimCount int64
	ReadOnly     bool
}

// Router wraps one consumer group of one stream, per spec §4.9 "per
// engine, wraps a stream consumer group".
type Router struct {
	opts    Options
	streams *stream.Stream
	log     *logger.Logger
	handle  Handler

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter // per-topic throttle overrides
	globalLimit *rate.Limiter
	counts      map[string]int64 // per-topic message counts, spec §4.9/§4.11 rollcall
}

// New constructs a Router bound to one stream+group+consumer.
func New(streams *stream.Stream, log *logger.Logger, opts Options, handle Handler) *Router {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.BlockFor <= 0 {
		opts.BlockFor = 5 * time.Second
	}
	return &Router{
		opts:     opts,
		streams:  streams,
		log:      log,
		handle:   handle,
		limiters: make(map[string]*rate.Limiter),
		counts:   make(map[string]int64),
	}
}

// SetThrottle installs a rate limit, per spec §4.11 "{type:'throttle',
// topic?, guid?, throttle}: recipients update their router throttle
// selectively (by guid or topic) or globally." A guid names one engine:
// the quorum member applies a guid-scoped throttle only when the guid is
// its own engine id, and then passes it here by topic like any other;
// this Router only tracks global and per-topic scopes.
func (r *Router) SetThrottle(topic string, delayMs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim := delayToLimiter(delayMs)
	if topic == "" {
		r.globalLimit = lim
		return
	}
	r.limiters[topic] = lim
}

func delayToLimiter(delayMs int) *rate.Limiter {
	if delayMs <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Duration(delayMs)*time.Millisecond), 1)
}

func (r *Router) throttle(ctx context.Context, topic string) error {
	r.mu.Lock()
	lim := r.limiters[topic]
	if lim == nil {
		lim = r.globalLimit
	}
	r.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Counts returns a snapshot of per-topic delivery counts, surfaced in
// quorum pong/rollcall responses per spec §4.9/§4.11.
func (r *Router) Counts() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

func (r *Router) bump(topic string) {
	r.mu.Lock()
	r.counts[topic]++
	r.mu.Unlock()
}

// ThrottleMs reports the effective throttle delay for topic (its own
// override, falling back to the global rate), or 0 if unthrottled.
func (r *Router) ThrottleMs(topic string) int {
	r.mu.Lock()
	lim := r.limiters[topic]
	if lim == nil {
		lim = r.globalLimit
	}
	r.mu.Unlock()
	if lim == nil {
		return 0
	}
	return int(1000 / float64(lim.Limit()))
}

// Run drives the consumeMessages loop until ctx is cancelled, per spec
// §4.9: readonly engines skip consumption entirely but the Router is
// still constructed so Publish-side counters and throttle state stay
// live.
func (r *Router) Run(ctx context.Context) error {
	if r.opts.ReadOnly {
		<-ctx.Done()
		return ctx.Err()
	}

	reclaimTicker := time.NewTicker(r.reclaimDelay())
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reclaimTicker.C:
			r.reclaimOnce(ctx)
		default:
		}

		if err := r.throttle(ctx, r.opts.StreamKey); err != nil {
			return err
		}

		msgs, err := r.streams.Consume(ctx, r.opts.StreamKey, r.opts.Group, r.opts.Consumer, r.opts.BatchSize, r.opts.BlockFor)
		if err != nil {
			r.log.WithContext(ctx).Error("router: consume failed", "err", err, "stream", r.opts.StreamKey)
			continue
		}
		if len(msgs) == 0 {
			continue // empty read: the stream's own BLOCK duration is our backoff
		}
		r.dispatch(ctx, msgs)
	}
}

func (r *Router) dispatch(ctx context.Context, msgs []stream.Message) {
	acked := make([]string, 0, len(msgs))
	for _, m := range msgs {
		r.bump(r.opts.StreamKey)
		if err := r.handle(ctx, m); err != nil {
			r.log.WithContext(ctx).Error("router: handler failed", "err", err, "id", m.ID)
			continue // leave unacked; a later reclaim redelivers it
		}
		acked = append(acked, m.ID)
	}
	if len(acked) == 0 {
		return
	}
	if err := r.streams.Ack(ctx, r.opts.StreamKey, r.opts.Group, acked...); err != nil {
		r.log.WithContext(ctx).Error("router: ack failed", "err", err)
	}
}

func (r *Router) reclaimOnce(ctx context.Context) {
	count := r.opts.ReclaimCount
	if count <= 0 {
		count = 10
	}
	msgs, _, err := r.streams.Reclaim(ctx, r.opts.StreamKey, r.opts.Group, r.opts.Consumer, r.reclaimDelay(), count)
	if err != nil {
		r.log.WithContext(ctx).Error("router: reclaim failed", "err", err)
		return
	}
	if len(msgs) > 0 {
		r.dispatch(ctx, msgs)
	}
}

func (r *Router) reclaimDelay() time.Duration {
	if r.opts.ReclaimDelay <= 0 {
		return 60 * time.Second
	}
	return r.opts.ReclaimDelay
}
