package engine

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"weibobot/internal/metrics"
	"weibobot/internal/post"
	logx "weibobot/pkg/logx"
)

// Sink delivers one rendered post body to one channel.
type Sink interface {
	Deliver(ctx context.Context, channelID, body string) error
}

// Directory resolves subscribers and posts at delivery time.
type Directory interface {
	Channels(source string) []string
	Lookup(source, id string) (post.Item, bool)
}

const defaultDispatchRate = 10

// BroadcastResult counts per-channel outcomes of one Broadcast.
type BroadcastResult struct {
	Delivered int
	Failed    int
	Skipped   int
}

// Dispatcher fans new posts out to the channels subscribed to their source.
// Delivery failures are logged and counted; they never reach the guard and
// are never retried here.
type Dispatcher struct {
	sink    Sink
	dir     Directory
	log     logx.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	limiter *rate.Limiter
}

func NewDispatcher(sink Sink, dir Directory, ratePerSec int, m *metrics.Metrics, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if m == nil {
		m = metrics.New()
	}
	d := &Dispatcher{sink: sink, dir: dir, log: log, metrics: m}
	d.SetRate(ratePerSec)
	return d
}

// SetRate changes the pacing between deliveries. Values <= 0 use the default.
func (d *Dispatcher) SetRate(perSec int) {
	if perSec <= 0 {
		perSec = defaultDispatchRate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limiter == nil {
		d.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
		return
	}
	d.limiter.SetLimit(rate.Limit(perSec))
	d.limiter.SetBurst(perSec)
}

func (d *Dispatcher) currentLimiter() *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limiter
}

// Broadcast delivers each id, in order, to every channel subscribed to source
// at the moment that id is delivered.
func (d *Dispatcher) Broadcast(ctx context.Context, source string, ids []string) BroadcastResult {
	var res BroadcastResult
	for _, id := range ids {
		it, ok := d.dir.Lookup(source, id)
		if !ok {
			res.Skipped++
			continue
		}
		for _, ch := range d.dir.Channels(source) {
			if err := d.currentLimiter().Wait(ctx); err != nil {
				return res
			}
			if err := d.sink.Deliver(ctx, ch, it.Body); err != nil {
				res.Failed++
				d.metrics.Deliveries.WithLabelValues(metrics.ResultError).Inc()
				d.log.Warn("delivery failed",
					logx.String("source", source),
					logx.String("post", id),
					logx.String("channel", ch),
					logx.Err(err),
				)
				continue
			}
			res.Delivered++
			d.metrics.Deliveries.WithLabelValues(metrics.ResultOK).Inc()
		}
	}
	if res.Delivered+res.Failed > 0 {
		d.log.Debug("broadcast done",
			logx.String("source", source),
			logx.Int("posts", len(ids)),
			logx.Int("delivered", res.Delivered),
			logx.Int("failed", res.Failed),
		)
	}
	return res
}
