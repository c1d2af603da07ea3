package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"weibobot/internal/post"
	logx "weibobot/pkg/logx"
)

// fileStore keeps each snapshot in its own JSON file.
//
// Files:
//   - <prefix>.posts.json         (id -> post)
//   - <prefix>.subscriptions.json (source -> channels)
//
// Writes go to <file>.tmp, are synced, then renamed over the old file so a
// crash leaves either the previous or the new snapshot.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	closed    bool
	postsPath string
	subsPath  string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	s := &fileStore{
		log:       log,
		postsPath: prefix + ".posts.json",
		subsPath:  prefix + ".subscriptions.json",
	}
	log.Debug("file store opened", logx.String("posts", s.postsPath), logx.String("subscriptions", s.subsPath))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) LoadPosts(ctx context.Context) (map[string]post.Item, error) {
	out := map[string]post.Item{}
	if err := s.load(ctx, s.postsPath, &out); err != nil {
		return nil, err
	}
	for id, it := range out {
		if it.ID == "" {
			it.ID = id
			out[id] = it
		}
	}
	return out, nil
}

func (s *fileStore) SavePosts(ctx context.Context, items map[string]post.Item) error {
	if items == nil {
		items = map[string]post.Item{}
	}
	return s.save(ctx, s.postsPath, items)
}

func (s *fileStore) LoadSubscriptions(ctx context.Context) (map[string][]string, error) {
	out := map[string][]string{}
	if err := s.load(ctx, s.subsPath, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) SaveSubscriptions(ctx context.Context, subs map[string][]string) error {
	if subs == nil {
		subs = map[string][]string{}
	}
	return s.save(ctx, s.subsPath, subs)
}

// load decodes path into v. A missing or empty file leaves v untouched.
func (s *fileStore) load(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *fileStore) save(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
