package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"weibobot/internal/post"
	logx "weibobot/pkg/logx"
)

func openTest(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoresReplaceWholeSnapshots(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite", "memory"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTest(t, driver)
			ctx := context.Background()

			if got, err := st.LoadPosts(ctx); err != nil || len(got) != 0 {
				t.Fatalf("fresh LoadPosts = %v, %v", got, err)
			}
			if got, err := st.LoadSubscriptions(ctx); err != nil || len(got) != 0 {
				t.Fatalf("fresh LoadSubscriptions = %v, %v", got, err)
			}

			posts := map[string]post.Item{
				"5": {ID: "5", Body: "five", MediaRefs: []string{"a.jpg", "b.jpg"}},
				"6": {ID: "6", Body: "six <b>&</b>"},
			}
			if err := st.SavePosts(ctx, posts); err != nil {
				t.Fatal(err)
			}
			if err := st.SavePosts(ctx, map[string]post.Item{"6": posts["6"]}); err != nil {
				t.Fatal(err)
			}
			got, err := st.LoadPosts(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got["6"].Body != "six <b>&</b>" || len(got["6"].MediaRefs) != 0 {
				t.Fatalf("LoadPosts = %+v", got)
			}

			subs := map[string][]string{"42": {"a", "b"}, "7": {"c"}}
			if err := st.SaveSubscriptions(ctx, subs); err != nil {
				t.Fatal(err)
			}
			delete(subs, "7")
			if err := st.SaveSubscriptions(ctx, subs); err != nil {
				t.Fatal(err)
			}
			gotSubs, err := st.LoadSubscriptions(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if want := map[string][]string{"42": {"a", "b"}}; !reflect.DeepEqual(gotSubs, want) {
				t.Fatalf("LoadSubscriptions = %v, want %v", gotSubs, want)
			}
		})
	}
}

func TestFileStoreKeepsMediaAndLeavesNoTmp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "bot.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	want := map[string]post.Item{"9": {ID: "9", Body: "nine", MediaRefs: []string{"x.jpg"}}}
	if err := st.SavePosts(ctx, want); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "bot.posts.json")); err != nil {
		t.Fatalf("posts file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bot.posts.json.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("tmp file left behind: %v", err)
	}
	got, err := st.LoadPosts(ctx)
	if err != nil || !reflect.DeepEqual(got, want) {
		t.Fatalf("LoadPosts = %+v, %v", got, err)
	}

	_ = st.Close()
	if err := st.SavePosts(ctx, want); !errors.Is(err, ErrClosed) {
		t.Fatalf("save after close err = %v", err)
	}
}

func TestFileStoreReadsLegacyDatastore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	legacy := `{"4890000000000001":{"text":"hello","imageUrls":["https://img/1.jpg"]}}`
	if err := os.WriteFile(filepath.Join(dir, "legacy.posts.json"), []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Path: filepath.Join(dir, "legacy")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got, err := st.LoadPosts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	it := got["4890000000000001"]
	if it.ID != "4890000000000001" || it.Body != "hello" || len(it.MediaRefs) != 1 {
		t.Fatalf("legacy item = %+v", it)
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "s.subscriptions.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Path: filepath.Join(dir, "s")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.LoadSubscriptions(context.Background()); err == nil {
		t.Fatal("corrupt subscriptions file loaded without error")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v, want ErrUnknownDriver", err)
	}
}
