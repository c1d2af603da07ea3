package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"weibobot/internal/metrics"
	"weibobot/internal/post"
)

type harness struct {
	e       *Engine
	fetcher *scriptedFetcher
	sink    *recordingSink
	subs    *memSubs
	posts   *memPosts
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.PrimarySource == "" {
		cfg.PrimarySource = "main"
	}
	if cfg.AdhocJitter == 0 {
		cfg.AdhocJitter = -1
	}
	if cfg.DispatchRate == 0 {
		cfg.DispatchRate = 1000
	}
	h := &harness{
		fetcher: newScriptedFetcher(),
		sink:    &recordingSink{},
		subs:    &memSubs{},
		posts:   &memPosts{},
		metrics: metrics.New(),
	}
	e, err := New(cfg, Deps{
		Fetcher:       h.fetcher,
		Sink:          h.sink,
		Posts:         h.posts,
		Subscriptions: h.subs,
		Metrics:       h.metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.e = e
	return h
}

func (h *harness) source(t *testing.T, id string) *sourceState {
	t.Helper()
	h.e.mu.RLock()
	defer h.e.mu.RUnlock()
	src := h.e.sources[id]
	if src == nil {
		t.Fatalf("no poller for %s", id)
	}
	return src
}

func (h *harness) polled(id string) bool {
	h.e.mu.RLock()
	defer h.e.mu.RUnlock()
	_, ok := h.e.sources[id]
	return ok
}

func TestFirstTickOfFreshSourceIsBaseline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	if err := h.e.Load(ctx); err != nil {
		t.Fatal(err)
	}
	h.fetcher.Set("42", mkItems("5", "4", "3", "2", "1")...)
	if _, err := h.e.Subscribe(ctx, "42", "chat"); err != nil {
		t.Fatal(err)
	}

	src := h.source(t, "42")
	h.e.tick(src)
	if got := h.sink.Deliveries(); len(got) != 0 {
		t.Fatalf("baseline tick delivered %v", got)
	}
	if src.store.Len() != 5 {
		t.Fatalf("store has %d posts, want 5", src.store.Len())
	}

	h.fetcher.Set("42", mkItems("6", "5", "4", "3", "2", "1")...)
	h.e.tick(src)
	got := h.sink.Deliveries()
	if len(got) != 1 || got[0].Channel != "chat" || got[0].Body != "post 6" {
		t.Fatalf("deliveries = %+v, want only post 6 to chat", got)
	}
}

func TestPollerLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	if err := h.e.Load(ctx); err != nil {
		t.Fatal(err)
	}
	base := len(h.e.cron.Entries())

	for _, ch := range []string{"a", "a", "b"} {
		if _, err := h.e.Subscribe(ctx, "42", ch); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(h.e.cron.Entries()); got != base+1 {
		t.Fatalf("cron entries = %d, want %d", got, base+1)
	}
	if h.subs.Saves() != 2 {
		t.Fatalf("subscription saves = %d, want 2", h.subs.Saves())
	}
	if got := testutil.ToFloat64(h.metrics.ActivePollers); got != 2 {
		t.Fatalf("active pollers = %v, want 2", got)
	}

	if _, err := h.e.Unsubscribe(ctx, "42", "a"); err != nil {
		t.Fatal(err)
	}
	if !h.polled("42") {
		t.Fatal("poller stopped while a channel is still subscribed")
	}
	src := h.source(t, "42")
	if _, err := h.e.Unsubscribe(ctx, "42", "b"); err != nil {
		t.Fatal(err)
	}
	if h.polled("42") {
		t.Fatal("poller still running after last unsubscribe")
	}
	if got := len(h.e.cron.Entries()); got != base {
		t.Fatalf("cron entries = %d, want %d", got, base)
	}

	h.fetcher.Set("42", mkItems("1")...)
	before := h.fetcher.Calls("42")
	h.e.tick(src)
	if h.fetcher.Calls("42") != before {
		t.Fatal("stopped source was fetched")
	}
}

func TestUnsubscribeDuringFetchSuppressesDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	if err := h.e.Load(ctx); err != nil {
		t.Fatal(err)
	}
	h.fetcher.Set("42", mkItems("1")...)
	if _, err := h.e.Subscribe(ctx, "42", "chat"); err != nil {
		t.Fatal(err)
	}
	src := h.source(t, "42")
	h.e.tick(src)

	h.fetcher.Set("42", mkItems("2", "1")...)
	h.fetcher.hook = func(source string) {
		if _, err := h.e.Unsubscribe(ctx, source, "chat"); err != nil {
			t.Errorf("Unsubscribe: %v", err)
		}
	}
	h.e.tick(src)
	if got := h.sink.Deliveries(); len(got) != 0 {
		t.Fatalf("stopped source dispatched %+v", got)
	}
}

func TestPrimaryDeliversPersistsAndIndexesTags(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{PrimaryChannels: []string{"news-1", "news-2"}})
	h.posts.items = map[string]post.Item{"10": {ID: "10", Body: "#更新公告# old"}}
	ctx := context.Background()
	if err := h.e.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if it, err := h.e.PrimaryByTag("更新公告"); err != nil || it.ID != "10" {
		t.Fatalf("PrimaryByTag after load = %+v, %v", it, err)
	}

	h.fetcher.Set("main",
		post.Item{ID: "12", Body: "#更新公告# new"},
		post.Item{ID: "11", Body: "#常驻标准寻访# banner"},
		post.Item{ID: "10", Body: "#更新公告# old"},
	)
	h.e.tick(h.source(t, "main"))

	if got := len(h.sink.Deliveries()); got != 4 {
		t.Fatalf("deliveries = %d, want 4 (2 posts x 2 channels)", got)
	}
	if h.posts.Saves() != 1 {
		t.Fatalf("post saves = %d, want 1", h.posts.Saves())
	}
	if it, _ := h.e.PrimaryByTag("更新公告"); it.ID != "12" {
		t.Fatalf("PrimaryByTag(更新公告) = %s, want 12", it.ID)
	}
	if it, _ := h.e.PrimaryByTag("常驻标准寻访"); it.ID != "11" {
		t.Fatalf("PrimaryByTag(常驻标准寻访) = %s, want 11", it.ID)
	}
	if _, err := h.e.PrimaryByTag("新装限时上架"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unmatched tag err = %v", err)
	}
	if _, err := h.e.PrimaryByTag("nope"); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("unknown tag err = %v", err)
	}
	if it, err := h.e.NthNewestPrimary(1); err != nil || it.ID != "12" {
		t.Fatalf("NthNewestPrimary(1) = %+v, %v", it, err)
	}
	if it, _ := h.e.NthNewestPrimary(3); it.ID != "10" {
		t.Fatalf("NthNewestPrimary(3) = %s", it.ID)
	}
	for _, n := range []int{0, 4} {
		if _, err := h.e.NthNewestPrimary(n); !errors.Is(err, ErrNotFound) {
			t.Fatalf("NthNewestPrimary(%d) err = %v", n, err)
		}
	}

	h.e.tick(h.source(t, "main"))
	if h.posts.Saves() != 1 {
		t.Fatalf("tick without new posts persisted: saves = %d", h.posts.Saves())
	}
}

func TestDeliveryFailureIsNotAFetchFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{PrimaryChannels: []string{"gone", "ok"}})
	h.sink.fail = map[string]bool{"gone": true}
	ctx := context.Background()
	if err := h.e.Load(ctx); err != nil {
		t.Fatal(err)
	}
	src := h.source(t, "main")
	h.fetcher.Set("main", mkItems("1")...)
	h.e.tick(src)
	h.fetcher.Set("main", mkItems("2", "1")...)
	h.e.tick(src)

	if got := h.sink.Deliveries(); len(got) != 1 || got[0].Channel != "ok" {
		t.Fatalf("deliveries = %+v", got)
	}
	if h.e.Guard().Failures() != 0 {
		t.Fatalf("guard failures = %d, want 0", h.e.Guard().Failures())
	}
	if got := testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues(metrics.ResultError)); got != 1 {
		t.Fatalf("failed deliveries metric = %v, want 1", got)
	}
}

func TestSubscribePersistFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	if err := h.e.Load(ctx); err != nil {
		t.Fatal(err)
	}
	h.subs.fail = errors.New("read-only filesystem")
	if _, err := h.e.Subscribe(ctx, "42", "chat"); !errors.Is(err, ErrPersist) {
		t.Fatalf("Subscribe err = %v, want ErrPersist", err)
	}
	if h.polled("42") {
		t.Fatal("poller started despite persist failure")
	}
}

func TestSubscribeValidatesInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	if _, err := h.e.Subscribe(ctx, " ", "chat"); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("blank source err = %v", err)
	}
	if _, err := h.e.Subscribe(ctx, "42", ""); !errors.Is(err, ErrInvalidChan) {
		t.Fatalf("blank channel err = %v", err)
	}
	msg, err := h.e.Subscribe(ctx, "main", "chat")
	if err != nil || msg == "" {
		t.Fatalf("Subscribe(primary) = %q, %v", msg, err)
	}
	if h.subs.Saves() != 0 {
		t.Fatal("primary subscription was persisted")
	}
}

func TestLoadRestartsPersistedSources(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.subs.saved = map[string][]string{"42": {"a"}, "7": {"b", "c"}}
	if err := h.e.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"main", "42", "7"} {
		if !h.polled(id) {
			t.Fatalf("%s not polled after load", id)
		}
	}
	infos := h.e.Sources()
	if len(infos) != 3 || infos[0].ID != "main" || infos[0].Kind != KindPrimary {
		t.Fatalf("Sources = %+v", infos)
	}
}

func TestGuardTripStopsRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{PrimaryInterval: 5 * time.Millisecond, MaxFailures: 3})
	h.fetcher.Fail(errors.New("upstream 502"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.e.Load(ctx); err != nil {
		t.Fatal(err)
	}

	err := h.e.Run(ctx)
	if !errors.Is(err, ErrFatalGuardTrip) {
		t.Fatalf("Run err = %v, want ErrFatalGuardTrip", err)
	}
	if h.polled("main") {
		t.Fatal("primary still polled after trip")
	}
	if got := h.fetcher.Calls("main"); got != 4 {
		t.Fatalf("fetch calls = %d, want 4", got)
	}
	if _, err := h.e.Subscribe(context.Background(), "42", "chat"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Subscribe after trip err = %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{PrimaryInterval: 5 * time.Millisecond})
	h.fetcher.Set("main", mkItems("1")...)
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.e.Load(ctx); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.fetcher.Calls("main") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("primary poller never ticked twice")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run err = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
