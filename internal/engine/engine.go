// Package engine polls content sources, detects new posts and fans them out
// to subscribed channels.
//
// One primary source is always polled and delivered to a static channel list.
// Ad-hoc sources are polled only while at least one channel subscribes to
// them. Consecutive fetch failures across all sources are counted by a Guard;
// once it trips every poller stops and Run returns ErrFatalGuardTrip.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"weibobot/internal/metrics"
	"weibobot/internal/post"
	logx "weibobot/pkg/logx"
)

// Fetcher returns the posts of source whose ids are not in known. On error it
// returns no items.
type Fetcher interface {
	FetchNew(ctx context.Context, source string, known map[string]struct{}) ([]post.Item, error)
}

// PostArchive persists the primary source's posts as a whole snapshot.
type PostArchive interface {
	LoadPosts(ctx context.Context) (map[string]post.Item, error)
	SavePosts(ctx context.Context, items map[string]post.Item) error
}

const (
	DefaultPrimaryInterval = 30 * time.Second
	DefaultAdhocInterval   = 2 * time.Minute
	DefaultAdhocJitter     = 30 * time.Second
)

// DefaultTags are the query tags searched in the primary source.
var DefaultTags = []string{"更新公告", "常驻标准寻访", "新装限时上架"}

type Config struct {
	PrimarySource   string
	PrimaryChannels []string
	PrimaryInterval time.Duration
	AdhocInterval   time.Duration
	// AdhocJitter bounds the random delay added once to each ad-hoc interval.
	// Negative disables jitter.
	AdhocJitter  time.Duration
	MaxFailures  int
	Tags         []string
	DispatchRate int
}

func (c Config) withDefaults() Config {
	if c.PrimaryInterval <= 0 {
		c.PrimaryInterval = DefaultPrimaryInterval
	}
	if c.AdhocInterval <= 0 {
		c.AdhocInterval = DefaultAdhocInterval
	}
	if c.AdhocJitter == 0 {
		c.AdhocJitter = DefaultAdhocJitter
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.Tags == nil {
		c.Tags = append([]string(nil), DefaultTags...)
	}
	return c
}

type Deps struct {
	Fetcher       Fetcher
	Sink          Sink
	Posts         PostArchive
	Subscriptions SubscriptionStore
	Metrics       *metrics.Metrics
	Logger        logx.Logger
}

type Engine struct {
	cfg      Config
	log      logx.Logger
	fetcher  Fetcher
	posts    PostArchive
	registry *Registry
	guard    *Guard
	dispatch *Dispatcher
	metrics  *metrics.Metrics

	cron *cron.Cron

	// lifeMu serializes subscribe/unsubscribe with poller start/stop. Ticks
	// never take it.
	lifeMu sync.Mutex

	mu      sync.RWMutex
	sources map[string]*sourceState
	runCtx  context.Context
	cancel  context.CancelFunc

	primary *sourceState
	halted  atomic.Bool

	fatalOnce sync.Once
	fatal     chan struct{}
	fatalErr  error
}

func New(cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	cfg.PrimarySource = strings.TrimSpace(cfg.PrimarySource)
	if cfg.PrimarySource == "" {
		return nil, fmt.Errorf("%w: primary source is required", ErrInvalidSource)
	}
	if deps.Fetcher == nil || deps.Sink == nil {
		return nil, fmt.Errorf("engine: fetcher and sink are required")
	}
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		fetcher:  deps.Fetcher,
		posts:    deps.Posts,
		registry: NewRegistry(cfg.PrimarySource, deps.Subscriptions),
		guard:    NewGuard(cfg.MaxFailures),
		metrics:  m,
		sources:  map[string]*sourceState{},
		fatal:    make(chan struct{}),
	}
	e.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{log: log.With(logx.String("comp", "cron"))})))
	e.dispatch = NewDispatcher(deps.Sink, e, cfg.DispatchRate, m, log.With(logx.String("comp", "dispatch")))
	e.primary = newSourceState(cfg.PrimarySource, primaryPolicy(cfg))
	return e, nil
}

// Load restores durable state and starts the primary poller plus one poller
// per persisted ad-hoc source. Pollers only fire once Run starts.
func (e *Engine) Load(ctx context.Context) error {
	if e.posts != nil {
		items, err := e.posts.LoadPosts(ctx)
		if err != nil {
			return fmt.Errorf("load posts: %w", err)
		}
		e.primary.store.Load(items)
		e.primary.setTags(e.primary.store.TagIndex(e.cfg.Tags))
	}
	if err := e.registry.Load(ctx); err != nil {
		return err
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	e.startPoller(e.primary)
	for _, src := range e.registry.Sources() {
		e.startPoller(newSourceState(src, adhocPolicy(e.cfg)))
	}
	e.log.Info("engine loaded",
		logx.String("primary", e.cfg.PrimarySource),
		logx.Int("primary_posts", e.primary.store.Len()),
		logx.Int("adhoc_sources", len(e.registry.Sources())),
	)
	return nil
}

// Run drives the pollers until ctx is done or the guard trips. It always
// stops the scheduler and waits for in-flight ticks before returning.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.runCtx, e.cancel = runCtx, cancel
	e.mu.Unlock()

	e.cron.Start()
	e.log.Info("engine started")

	var err error
	select {
	case <-ctx.Done():
	case <-e.fatal:
		err = e.fatalErr
	}
	cancel()
	<-e.cron.Stop().Done()
	e.log.Info("engine stopped", logx.Bool("fatal", err != nil))
	return err
}

func (e *Engine) tickContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

// startPoller registers src with the scheduler. Caller holds lifeMu.
func (e *Engine) startPoller(src *sourceState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted.Load() {
		return false
	}
	if _, ok := e.sources[src.id]; ok {
		return false
	}
	src.primed = src.store.Len() > 0
	src.interval = effectiveInterval(src.policy)
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{log: e.log})).Then(cron.FuncJob(func() { e.tick(src) }))
	src.entry = e.cron.Schedule(constantDelay(src.interval), job)
	e.sources[src.id] = src
	e.metrics.ActivePollers.Inc()
	e.log.Info("poller started",
		logx.String("source", src.id),
		logx.String("kind", src.policy.kind.String()),
		logx.Duration("interval", src.interval),
	)
	return true
}

// stopPoller removes the source's cron entry. An in-flight tick finishes but
// observes the stopped flag before dispatching.
func (e *Engine) stopPoller(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopPollerLocked(id)
}

func (e *Engine) stopPollerLocked(id string) {
	src, ok := e.sources[id]
	if !ok {
		return
	}
	src.stopped.Store(true)
	e.cron.Remove(src.entry)
	delete(e.sources, id)
	e.metrics.ActivePollers.Dec()
	e.log.Info("poller stopped", logx.String("source", id), logx.Uint64("ticks", src.ticks.Load()))
}

func (e *Engine) trip(cause error) {
	e.fatalOnce.Do(func() {
		e.halted.Store(true)
		e.fatalErr = fmt.Errorf("%w (max %d): last error: %v", ErrFatalGuardTrip, e.guard.Max(), cause)
		e.log.Error("fetch failure threshold exceeded; stopping all pollers",
			logx.Int("failures", e.guard.Failures()),
			logx.Int("max", e.guard.Max()),
			logx.Err(cause),
		)
		e.mu.Lock()
		for id := range e.sources {
			e.stopPollerLocked(id)
		}
		e.mu.Unlock()
		close(e.fatal)
	})
}

// Fatal is closed once the guard trips.
func (e *Engine) Fatal() <-chan struct{} { return e.fatal }

// Channels implements Directory.
func (e *Engine) Channels(source string) []string {
	if source == e.cfg.PrimarySource {
		return append([]string(nil), e.cfg.PrimaryChannels...)
	}
	return e.registry.Channels(source)
}

// Lookup implements Directory. Posts of a stopped source are not found.
func (e *Engine) Lookup(source, id string) (post.Item, bool) {
	e.mu.RLock()
	src := e.sources[source]
	e.mu.RUnlock()
	if src == nil || src.stopped.Load() {
		return post.Item{}, false
	}
	return src.store.Get(id)
}

// SetDispatchRate changes delivery pacing at runtime.
func (e *Engine) SetDispatchRate(perSec int) { e.dispatch.SetRate(perSec) }

// Guard exposes the failure counter for status reporting.
func (e *Engine) Guard() *Guard { return e.guard }

// PrimarySource returns the configured primary source id.
func (e *Engine) PrimarySource() string { return e.cfg.PrimarySource }

// Tags returns the configured query tags.
func (e *Engine) Tags() []string { return append([]string(nil), e.cfg.Tags...) }

// SourceInfo is a point-in-time view of one polled source.
type SourceInfo struct {
	ID       string
	Kind     Kind
	Interval time.Duration
	Posts    int
	Channels int
	Ticks    uint64
}

// Sources lists polled sources, primary first.
func (e *Engine) Sources() []SourceInfo {
	e.mu.RLock()
	states := make([]*sourceState, 0, len(e.sources))
	for _, s := range e.sources {
		states = append(states, s)
	}
	e.mu.RUnlock()

	out := make([]SourceInfo, 0, len(states))
	for _, s := range states {
		out = append(out, SourceInfo{
			ID:       s.id,
			Kind:     s.policy.kind,
			Interval: s.interval,
			Posts:    s.store.Len(),
			Channels: len(e.Channels(s.id)),
			Ticks:    s.ticks.Load(),
		})
	}
	sortSourceInfo(out)
	return out
}

func sortSourceInfo(in []SourceInfo) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].Kind != in[j].Kind {
			return in[i].Kind < in[j].Kind
		}
		return in[i].ID < in[j].ID
	})
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
