package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/samber/lo"

	"weibobot/internal/post"
	logx "weibobot/pkg/logx"
)

// NthNewestPrimary returns the n-th newest primary post, 1-based.
func (e *Engine) NthNewestPrimary(n int) (post.Item, error) {
	ids := e.primary.store.OrderedIDs()
	if n < 1 || n > len(ids) {
		return post.Item{}, fmt.Errorf("%w: index %d of %d", ErrNotFound, n, len(ids))
	}
	it, ok := e.primary.store.Get(ids[n-1])
	if !ok {
		return post.Item{}, ErrNotFound
	}
	return it, nil
}

// PrimaryLen is the number of known primary posts.
func (e *Engine) PrimaryLen() int { return e.primary.store.Len() }

// PrimaryByTag returns the newest primary post tagged with tag.
func (e *Engine) PrimaryByTag(tag string) (post.Item, error) {
	tag = strings.TrimSpace(tag)
	if !lo.Contains(e.cfg.Tags, tag) {
		return post.Item{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	id, ok := e.primary.tag(tag)
	if !ok {
		return post.Item{}, fmt.Errorf("%w: no post tagged %q", ErrNotFound, tag)
	}
	it, ok := e.primary.store.Get(id)
	if !ok {
		return post.Item{}, ErrNotFound
	}
	return it, nil
}

// Subscribe attaches channel to source and starts its poller if needed. The
// returned text is meant for the requesting user; errors are for failures.
func (e *Engine) Subscribe(ctx context.Context, source, channel string) (string, error) {
	source, channel, err := normalizePair(source, channel)
	if err != nil {
		return "", err
	}
	if e.halted.Load() {
		return "", ErrStopped
	}
	if source == e.cfg.PrimarySource {
		return fmt.Sprintf("Weibo user %s is always delivered to the configured channels.", source), nil
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	changed, err := e.registry.Subscribe(ctx, source, channel)
	if err != nil {
		return "", err
	}
	if !changed {
		return fmt.Sprintf("Channel %s is already subscribed to Weibo user %s.", channel, source), nil
	}
	e.startPoller(newSourceState(source, adhocPolicy(e.cfg)))
	e.log.Info("subscribed", logx.String("source", source), logx.String("channel", channel))
	return fmt.Sprintf("Subscribed channel %s to Weibo user %s.", channel, source), nil
}

// Unsubscribe detaches channel from source and stops the poller when no
// channel is left.
func (e *Engine) Unsubscribe(ctx context.Context, source, channel string) (string, error) {
	source, channel, err := normalizePair(source, channel)
	if err != nil {
		return "", err
	}
	if source == e.cfg.PrimarySource {
		return fmt.Sprintf("Weibo user %s is always delivered to the configured channels.", source), nil
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	changed, empty, err := e.registry.Unsubscribe(ctx, source, channel)
	if err != nil {
		return "", err
	}
	if !changed {
		return fmt.Sprintf("Channel %s is not subscribed to Weibo user %s.", channel, source), nil
	}
	if empty {
		e.stopPoller(source)
	}
	e.log.Info("unsubscribed", logx.String("source", source), logx.String("channel", channel), logx.Bool("poller_stopped", empty))
	return fmt.Sprintf("Unsubscribed channel %s from Weibo user %s.", channel, source), nil
}

// Subscriptions lists the ad-hoc sources channel is subscribed to.
func (e *Engine) Subscriptions(channel string) []string {
	return e.registry.ChannelSources(strings.TrimSpace(channel))
}

func normalizePair(source, channel string) (string, string, error) {
	source = strings.TrimSpace(source)
	channel = strings.TrimSpace(channel)
	if source == "" || strings.IndexFunc(source, unicode.IsSpace) >= 0 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	if channel == "" || strings.IndexFunc(channel, unicode.IsSpace) >= 0 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidChan, channel)
	}
	return source, channel, nil
}

// IsUserError reports whether err is caused by bad input rather than a
// failure worth alerting on.
func IsUserError(err error) bool {
	return errors.Is(err, ErrInvalidSource) || errors.Is(err, ErrInvalidChan) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownTag) || errors.Is(err, ErrPrimarySource)
}
