package storage

import (
	"context"
	"errors"
	"time"

	"weibobot/internal/post"
)

var (
	ErrUnknownDriver = errors.New("storage: unknown driver")
	ErrClosed        = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): <prefix>.posts.json and <prefix>.subscriptions.json
//   - "sqlite": SQLite database file
//   - "memory": nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the engine.
type Store interface {
	LoadPosts(ctx context.Context) (map[string]post.Item, error)
	SavePosts(ctx context.Context, items map[string]post.Item) error
	LoadSubscriptions(ctx context.Context) (map[string][]string, error)
	SaveSubscriptions(ctx context.Context, subs map[string][]string) error
	Close() error
}
