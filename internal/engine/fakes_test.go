package engine

import (
	"context"
	"errors"
	"sync"

	"weibobot/internal/post"
	logx "weibobot/pkg/logx"
)

type memSubs struct {
	mu    sync.Mutex
	saved map[string][]string
	saves int
	fail  error
}

func (m *memSubs) LoadSubscriptions(context.Context) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.saved))
	for k, v := range m.saved {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (m *memSubs) SaveSubscriptions(_ context.Context, subs map[string][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saves++
	m.saved = subs
	return nil
}

func (m *memSubs) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type memPosts struct {
	mu    sync.Mutex
	items map[string]post.Item
	saves int
}

func (m *memPosts) LoadPosts(context.Context) (map[string]post.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]post.Item, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out, nil
}

func (m *memPosts) SavePosts(_ context.Context, items map[string]post.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.items = items
	return nil
}

func (m *memPosts) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// scriptedFetcher serves a fixed upstream list per source and filters known
// ids the way a real adapter does.
type scriptedFetcher struct {
	mu    sync.Mutex
	posts map[string][]post.Item
	err   error
	calls map[string]int
	hook  func(source string)
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{posts: map[string][]post.Item{}, calls: map[string]int{}}
}

func (f *scriptedFetcher) Set(source string, items ...post.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[source] = items
}

func (f *scriptedFetcher) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *scriptedFetcher) Calls(source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[source]
}

func (f *scriptedFetcher) FetchNew(ctx context.Context, source string, known map[string]struct{}) ([]post.Item, error) {
	f.mu.Lock()
	f.calls[source]++
	err := f.err
	all := append([]post.Item(nil), f.posts[source]...)
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(source)
	}
	if err != nil {
		return nil, err
	}
	var out []post.Item
	for _, it := range all {
		if _, ok := known[it.ID]; !ok {
			out = append(out, it)
		}
	}
	return out, nil
}

type delivery struct {
	Channel string
	Body    string
}

type recordingSink struct {
	mu   sync.Mutex
	got  []delivery
	fail map[string]bool
}

func (s *recordingSink) Deliver(_ context.Context, channel, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[channel] {
		return errors.New("chat not found")
	}
	s.got = append(s.got, delivery{Channel: channel, Body: body})
	return nil
}

func (s *recordingSink) Deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.got...)
}

func mkItems(ids ...string) []post.Item {
	out := make([]post.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, post.Item{ID: id, Body: "post " + id})
	}
	return out
}

func nopLogger() logx.Logger { return logx.Nop() }
