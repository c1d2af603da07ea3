package storage

import (
	"context"
	"sync"

	"weibobot/internal/post"
)

type memoryStore struct {
	mu    sync.Mutex
	posts map[string]post.Item
	subs  map[string][]string
}

// NewMemory returns a Store that keeps snapshots in process memory.
func NewMemory() Store {
	return &memoryStore{}
}

func (s *memoryStore) LoadPosts(context.Context) (map[string]post.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePosts(s.posts), nil
}

func (s *memoryStore) SavePosts(_ context.Context, items map[string]post.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = clonePosts(items)
	return nil
}

func (s *memoryStore) LoadSubscriptions(context.Context) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSubs(s.subs), nil
}

func (s *memoryStore) SaveSubscriptions(_ context.Context, subs map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = cloneSubs(subs)
	return nil
}

func (s *memoryStore) Close() error { return nil }

func clonePosts(in map[string]post.Item) map[string]post.Item {
	out := make(map[string]post.Item, len(in))
	for k, v := range in {
		v.MediaRefs = append([]string(nil), v.MediaRefs...)
		out[k] = v
	}
	return out
}

func cloneSubs(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
