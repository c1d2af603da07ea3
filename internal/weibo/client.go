// Package weibo fetches a user's recent posts from the m.weibo.cn mobile API.
package weibo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"weibobot/internal/post"
	logx "weibobot/pkg/logx"
)

const (
	DefaultBaseURL   = "https://m.weibo.cn/"
	DefaultUserAgent = "weibobot"
	DefaultTimeout   = 15 * time.Second

	// containerPrefix selects a user's post timeline on the index API.
	containerPrefix = "107603"
	maxBodyBytes    = 8 << 20
)

// ErrUpstream marks responses the API rejected or that could not be decoded.
var ErrUpstream = errors.New("weibo: upstream error")

type Config struct {
	BaseURL         string
	UserAgent       string
	Timeout         time.Duration
	LongTextRetries int
}

// Client implements the engine's fetcher against the Weibo mobile API.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.LongTextRetries < 0 {
		cfg.LongTextRetries = 0
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("weibo base url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}, nil
}

// FetchNew returns the posts on uid's first timeline page whose ids are not in
// known, in the order the API lists them. Long-text previews are resolved
// before returning; a preview that cannot be resolved is kept truncated.
func (c *Client) FetchNew(ctx context.Context, uid string, known map[string]struct{}) ([]post.Item, error) {
	q := url.Values{}
	q.Set("containerid", containerPrefix+uid)
	q.Set("uid", uid)

	var resp indexResponse
	if err := c.getJSON(ctx, "api/container/getIndex", q, &resp); err != nil {
		return nil, err
	}
	if resp.OK != 1 || resp.Data == nil {
		return nil, fmt.Errorf("%w: index for %s not ok (ok=%d)", ErrUpstream, uid, resp.OK)
	}

	var out []post.Item
	for _, card := range resp.Data.Cards {
		if card.Mblog == nil {
			continue
		}
		m := card.Mblog
		id := string(m.ID)
		if !post.ValidID(id) {
			return nil, fmt.Errorf("%w: non-numeric post id %q", ErrUpstream, id)
		}
		if _, ok := known[id]; ok {
			continue
		}

		// Retweets are shown as the original post.
		content := m
		if m.Retweeted != nil {
			content = m.Retweeted
		}
		media := content.mediaURLs()
		it := post.Item{
			ID:        id,
			Body:      Message(content.Text, media),
			MediaRefs: media,
			Truncated: content.IsLongText,
		}
		if it.Truncated {
			c.resolveLongText(ctx, &it, string(content.ID))
		}
		out = append(out, it)
	}
	return out, nil
}

// resolveLongText swaps the preview for the full text fetched by textID. A
// blank full text resolves to the preview; a failed fetch leaves it truncated.
func (c *Client) resolveLongText(ctx context.Context, it *post.Item, textID string) {
	full, err := c.longText(ctx, textID)
	if err != nil {
		c.log.Warn("long text unavailable; keeping preview", logx.String("post", it.ID), logx.Err(err))
		return
	}
	body := it.Body
	if Flatten(full) != "" {
		body = Message(full, it.MediaRefs)
	}
	if err := it.ResolveLongText(body); err != nil {
		c.log.Warn("long text not applied", logx.String("post", it.ID), logx.Err(err))
	}
}

func (c *Client) longText(ctx context.Context, id string) (string, error) {
	q := url.Values{}
	q.Set("id", id)

	var text string
	op := func() error {
		var resp showResponse
		if err := c.getJSON(ctx, "statuses/show", q, &resp); err != nil {
			return err
		}
		if resp.Data == nil || resp.Data.Text == "" {
			return backoff.Permanent(fmt.Errorf("%w: empty long text for %s", ErrUpstream, id))
		}
		text = resp.Data.Text
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = c.cfg.Timeout
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.LongTextRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return text, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	u := c.base.ResolveReference(&url.URL{Path: path, RawQuery: q.Encode()})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d: %s", ErrUpstream, path, res.StatusCode, snippet(body))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUpstream, path, err)
	}
	return nil
}

func snippet(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
