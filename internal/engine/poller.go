package engine

import (
	"context"
	"time"

	"weibobot/internal/metrics"
	logx "weibobot/pkg/logx"
)

// tick runs one fetch-ingest-dispatch cycle for src. The scheduler never runs
// two ticks of the same source at once.
func (e *Engine) tick(src *sourceState) {
	ctx := e.tickContext()
	if src.stopped.Load() || ctx.Err() != nil {
		return
	}
	kind := src.policy.kind.String()
	start := time.Now()
	defer func() {
		e.metrics.TickDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()
	src.ticks.Add(1)

	items, err := e.fetcher.FetchNew(ctx, src.id, src.store.IDs())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.metrics.Fetches.WithLabelValues(kind, metrics.ResultError).Inc()
		fatal := e.guard.RecordFailure()
		e.metrics.GuardFailures.Set(float64(e.guard.Failures()))
		e.log.Warn("fetch failed",
			logx.String("source", src.id),
			logx.Int("failures", e.guard.Failures()),
			logx.Int("max", e.guard.Max()),
			logx.Err(err),
		)
		if fatal {
			e.trip(err)
		}
		return
	}
	e.metrics.Fetches.WithLabelValues(kind, metrics.ResultOK).Inc()
	e.guard.RecordSuccess()
	e.metrics.GuardFailures.Set(float64(e.guard.Failures()))

	if src.stopped.Load() {
		return
	}
	added := src.store.Ingest(items)
	if len(added) > 0 {
		e.metrics.NewPosts.WithLabelValues(kind).Add(float64(len(added)))
		if src.policy.tagIndex {
			src.setTags(src.store.TagIndex(e.cfg.Tags))
		}
		if src.policy.persist {
			e.persistPosts(ctx, src)
		}
	}

	if !src.primed {
		src.primed = true
		e.log.Info("baseline recorded", logx.String("source", src.id), logx.Int("posts", src.store.Len()))
		return
	}
	if len(added) == 0 || src.stopped.Load() {
		return
	}
	e.log.Info("new posts", logx.String("source", src.id), logx.Strings("ids", added))
	e.dispatch.Broadcast(ctx, src.id, added)
}

func (e *Engine) persistPosts(ctx context.Context, src *sourceState) {
	if e.posts == nil {
		return
	}
	if err := e.posts.SavePosts(ctx, src.store.Snapshot()); err != nil {
		e.metrics.PersistErrors.Inc()
		e.log.Error("persist posts failed", logx.String("source", src.id), logx.Err(err))
	}
}
