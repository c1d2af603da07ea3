package weibo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"weibobot/internal/post"
	logx "weibobot/pkg/logx"
)

const indexJSON = `{
  "ok": 1,
  "data": {
    "cards": [
      {"card_type": 11},
      {"card_type": 9, "mblog": {"id": "103", "text": "<a href=\"/t\">#更新公告#</a> patch notes<br />see you", "isLongText": false}},
      {"card_type": 9, "mblog": {"id": 102, "text": "RT", "retweeted_status": {
        "id": "90", "text": "original &amp; shared",
        "pics": [{"large": {"url": "https://img/1.jpg"}}, {"large": {"url": "https://img/2.jpg"}}]
      }}},
      {"card_type": 9, "mblog": {"id": "101", "text": "preview...", "isLongText": true}}
    ]
  }
}`

type fakeWeibo struct {
	index      string
	showFails  int32
	showCalls  atomic.Int32
	indexCalls atomic.Int32
	userAgent  atomic.Value
}

func (f *fakeWeibo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.userAgent.Store(r.Header.Get("User-Agent"))
	switch r.URL.Path {
	case "/api/container/getIndex":
		f.indexCalls.Add(1)
		if r.URL.Query().Get("containerid") != "107603"+r.URL.Query().Get("uid") {
			http.Error(w, "bad container", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, f.index)
	case "/statuses/show":
		n := f.showCalls.Add(1)
		if n <= f.showFails {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `{"ok":1,"data":{"text":"full text of %s"}}`, r.URL.Query().Get("id"))
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, h http.Handler, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, UserAgent: "test-agent", Timeout: 5 * time.Second, LongTextRetries: retries}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFetchNewParsesTimeline(t *testing.T) {
	t.Parallel()
	fw := &fakeWeibo{index: indexJSON, showFails: 1}
	c := newTestClient(t, fw, 2)

	items, err := c.FetchNew(context.Background(), "6279793937", map[string]struct{}{"103": {}})
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2: %+v", len(items), items)
	}

	rt := items[0]
	if rt.ID != "102" || len(rt.MediaRefs) != 2 {
		t.Fatalf("retweet item = %+v", rt)
	}
	if want := "original & shared\nhttps://img/1.jpg https://img/2.jpg"; rt.Body != want {
		t.Fatalf("retweet body = %q, want %q", rt.Body, want)
	}

	long := items[1]
	if long.ID != "101" || long.Body != "full text of 101" || long.Truncated {
		t.Fatalf("long text item = %+v", long)
	}
	if got := fw.showCalls.Load(); got != 2 {
		t.Fatalf("statuses/show calls = %d, want 2", got)
	}
	if ua, _ := fw.userAgent.Load().(string); ua != "test-agent" {
		t.Fatalf("User-Agent = %q", ua)
	}
}

func TestFetchNewResolvesLongTextOnTheItem(t *testing.T) {
	t.Parallel()
	index := `{"ok":1,"data":{"cards":[
	  {"mblog": {"id": "201", "text": "preview 201...", "isLongText": true,
	    "pics": [{"large": {"url": "https://img/3.jpg"}}]}},
	  {"mblog": {"id": "200", "text": "preview 200...", "isLongText": true}}
	]}}`
	srv := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/container/getIndex":
			fmt.Fprint(w, index)
		case "/statuses/show":
			if r.URL.Query().Get("id") == "200" {
				fmt.Fprint(w, `{"ok":1,"data":{"text":"  <br />  "}}`)
				return
			}
			fmt.Fprint(w, `{"ok":1,"data":{"text":"full <b>body</b>"}}`)
		default:
			http.NotFound(w, r)
		}
	})
	c := newTestClient(t, srv, 0)

	items, err := c.FetchNew(context.Background(), "1", nil)
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2: %+v", len(items), items)
	}
	if it := items[0]; it.Truncated || it.Body != "full body\nhttps://img/3.jpg" {
		t.Fatalf("resolved item = %+v", it)
	}
	// A blank full text counts as resolved and keeps the preview.
	if it := items[1]; it.Truncated || it.Body != "preview 200..." {
		t.Fatalf("blank long text item = %+v", it)
	}
	if err := items[1].ResolveLongText("late"); !errors.Is(err, post.ErrAlreadyResolved) {
		t.Fatalf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
}

func TestFetchNewKeepsPreviewWhenLongTextFails(t *testing.T) {
	t.Parallel()
	fw := &fakeWeibo{index: indexJSON, showFails: 100}
	c := newTestClient(t, fw, 1)

	items, err := c.FetchNew(context.Background(), "1", map[string]struct{}{"103": {}, "102": {}})
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(items) != 1 || items[0].Body != "preview..." || !items[0].Truncated {
		t.Fatalf("items = %+v", items)
	}
	if got := fw.showCalls.Load(); got != 2 {
		t.Fatalf("statuses/show calls = %d, want 2", got)
	}
}

func TestFetchNewUpstreamErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "no", http.StatusBadGateway) }},
		{"not ok", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"ok":0,"msg":"rate limited"}`) }},
		{"garbage", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `<html>`) }},
		{"non-numeric id", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"ok":1,"data":{"cards":[{"mblog":{"id":"Nabc","text":"x"}}]}}`)
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, tt.handler, 0)
			items, err := c.FetchNew(context.Background(), "1", nil)
			if !errors.Is(err, ErrUpstream) {
				t.Fatalf("err = %v, want ErrUpstream", err)
			}
			if items != nil {
				t.Fatalf("partial items returned: %+v", items)
			}
		})
	}
}

func TestFetchNewHonorsContext(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}), 0)
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.FetchNew(ctx, "1", nil); err == nil || !strings.Contains(err.Error(), "context deadline") {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
