package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/huandu/go-sqlbuilder"
	_ "modernc.org/sqlite"

	"weibobot/internal/post"
	logx "weibobot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// insertBatch bounds rows per INSERT statement.
const insertBatch = 200

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if filepath.Ext(path) == "" {
		path += ".db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	if err := migrateSQLite(path); err != nil {
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func migrateSQLite(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadPosts(ctx context.Context) (map[string]post.Item, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("id", "body", "media").From("posts")
	q, args := sb.BuildWithFlavor(sqlbuilder.SQLite)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]post.Item{}
	for rows.Next() {
		var it post.Item
		var media string
		if err := rows.Scan(&it.ID, &it.Body, &media); err != nil {
			return nil, err
		}
		if media != "" && media != "[]" {
			if err := json.Unmarshal([]byte(media), &it.MediaRefs); err != nil {
				return nil, fmt.Errorf("post %s media: %w", it.ID, err)
			}
		}
		out[it.ID] = it
	}
	return out, rows.Err()
}

func (s *sqliteStore) SavePosts(ctx context.Context, items map[string]post.Item) error {
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([][]any, 0, len(ids))
	for _, id := range ids {
		it := items[id]
		media, err := json.Marshal(nonNil(it.MediaRefs))
		if err != nil {
			return err
		}
		rows = append(rows, []any{id, it.Body, string(media)})
	}
	return s.replace(ctx, "posts", []string{"id", "body", "media"}, rows)
}

func (s *sqliteStore) LoadSubscriptions(ctx context.Context) (map[string][]string, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("source", "channel").From("subscriptions").OrderBy("source", "channel")
	q, args := sb.BuildWithFlavor(sqlbuilder.SQLite)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var src, ch string
		if err := rows.Scan(&src, &ch); err != nil {
			return nil, err
		}
		out[src] = append(out[src], ch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSubscriptions(ctx context.Context, subs map[string][]string) error {
	srcs := make([]string, 0, len(subs))
	for src := range subs {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)

	var rows [][]any
	for _, src := range srcs {
		for _, ch := range subs[src] {
			rows = append(rows, []any{src, ch})
		}
	}
	return s.replace(ctx, "subscriptions", []string{"source", "channel"}, rows)
}

// replace swaps the whole content of table in one transaction.
func (s *sqliteStore) replace(ctx context.Context, table string, cols []string, rows [][]any) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	del := sqlbuilder.NewDeleteBuilder()
	del.DeleteFrom(table)
	q, args := del.BuildWithFlavor(sqlbuilder.SQLite)
	if _, err = tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}

	for start := 0; start < len(rows); start += insertBatch {
		end := min(start+insertBatch, len(rows))
		ib := sqlbuilder.NewInsertBuilder()
		ib.InsertInto(table).Cols(cols...)
		for _, row := range rows[start:end] {
			ib.Values(row...)
		}
		q, args := ib.BuildWithFlavor(sqlbuilder.SQLite)
		if _, err = tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
