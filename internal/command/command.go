// Package command holds the chat commands the bot answers. Handlers talk to
// the engine through a narrow port so they can be tested without pollers.
package command

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"weibobot/internal/engine"
	"weibobot/internal/post"
	"weibobot/internal/transport/telegram/router"
)

// NewsWindow bounds /news to the newest posts.
const NewsWindow = 10

// Engine is the part of *engine.Engine the commands use.
type Engine interface {
	NthNewestPrimary(n int) (post.Item, error)
	PrimaryLen() int
	PrimaryByTag(tag string) (post.Item, error)
	Tags() []string
	Subscribe(ctx context.Context, source, channel string) (string, error)
	Unsubscribe(ctx context.Context, source, channel string) (string, error)
	Subscriptions(channel string) []string
	Sources() []engine.SourceInfo
	Guard() *engine.Guard
	PrimarySource() string
}

type Set struct {
	eng Engine

	// pick returns a value in [0, n); swapped in tests.
	pick func(n int) int
}

func New(eng Engine) *Set {
	return &Set{eng: eng, pick: rand.IntN}
}

// Commands returns the router registry entries.
func (s *Set) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "news",
			Aliases:     []string{"arknights_news"},
			Description: "Show a recent post, by position or tag.",
			Usage:       "/news [1-10|tag]",
			Handle:      s.news,
		},
		{
			Name:        "subscribe",
			Description: "Deliver a Weibo user's new posts to this chat.",
			Usage:       "/subscribe <uid> [channel]",
			Access:      router.AccessOwnerOnly,
			Handle:      s.subscribe,
		},
		{
			Name:        "unsubscribe",
			Description: "Stop delivering a Weibo user's posts to this chat.",
			Usage:       "/unsubscribe <uid> [channel]",
			Access:      router.AccessOwnerOnly,
			Handle:      s.unsubscribe,
		},
		{
			Name:        "subscriptions",
			Description: "List the Weibo users this chat is subscribed to.",
			Handle:      s.subscriptions,
		},
		{
			Name:        "status",
			Description: "Show polled sources and the failure guard.",
			Access:      router.AccessOwnerOnly,
			Handle:      s.status,
		},
	}
}

func (s *Set) news(ctx context.Context, req *router.Request) error {
	total := s.eng.PrimaryLen()
	if total == 0 {
		return req.Reply(ctx, "No posts yet, try again later.")
	}
	window := min(total, NewsWindow)

	if len(req.Args) == 0 {
		return s.replyNth(ctx, req, s.pick(window)+1)
	}
	arg := strings.Join(req.Args, " ")
	if n, err := strconv.Atoi(arg); err == nil {
		return s.replyNth(ctx, req, max(1, min(n, window)))
	}

	it, err := s.eng.PrimaryByTag(arg)
	switch {
	case errors.Is(err, engine.ErrUnknownTag):
		return req.Reply(ctx, "Unknown tag. Available tags: "+strings.Join(s.eng.Tags(), ", "))
	case errors.Is(err, engine.ErrNotFound):
		return s.replyNth(ctx, req, s.pick(window)+1)
	case err != nil:
		return err
	}
	return req.Reply(ctx, it.Body)
}

func (s *Set) replyNth(ctx context.Context, req *router.Request, n int) error {
	it, err := s.eng.NthNewestPrimary(n)
	if err != nil {
		return err
	}
	return req.Reply(ctx, it.Body)
}

func (s *Set) subscribe(ctx context.Context, req *router.Request) error {
	source, channel, ok := pairArgs(req)
	if !ok {
		return req.Reply(ctx, "Usage: /subscribe <uid> [channel]")
	}
	msg, err := s.eng.Subscribe(ctx, source, channel)
	if err != nil {
		return userError(err)
	}
	return req.Reply(ctx, msg)
}

func (s *Set) unsubscribe(ctx context.Context, req *router.Request) error {
	source, channel, ok := pairArgs(req)
	if !ok {
		return req.Reply(ctx, "Usage: /unsubscribe <uid> [channel]")
	}
	msg, err := s.eng.Unsubscribe(ctx, source, channel)
	if err != nil {
		return userError(err)
	}
	return req.Reply(ctx, msg)
}

func (s *Set) subscriptions(ctx context.Context, req *router.Request) error {
	channel := req.Channel()
	if len(req.Args) > 0 {
		channel = req.Args[0]
	}
	srcs := s.eng.Subscriptions(channel)
	if len(srcs) == 0 {
		return req.Reply(ctx, fmt.Sprintf("Channel %s has no subscriptions.", channel))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Channel %s is subscribed to:\n", channel)
	for _, src := range srcs {
		b.WriteString("  ")
		b.WriteString(src)
		b.WriteString("\n")
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (s *Set) status(ctx context.Context, req *router.Request) error {
	g := s.eng.Guard()
	var b strings.Builder
	fmt.Fprintf(&b, "Primary: %s\n", s.eng.PrimarySource())
	fmt.Fprintf(&b, "Guard: %d/%d consecutive failures", g.Failures(), g.Max())
	if g.Tripped() {
		b.WriteString(" (tripped)")
	}
	b.WriteString("\nSources:")
	for _, si := range s.eng.Sources() {
		fmt.Fprintf(&b, "\n  %s [%s] every %s, %d posts, %d channels, %d ticks",
			si.ID, si.Kind, si.Interval, si.Posts, si.Channels, si.Ticks)
	}
	return req.Reply(ctx, b.String())
}

func pairArgs(req *router.Request) (source, channel string, ok bool) {
	switch len(req.Args) {
	case 1:
		return req.Args[0], req.Channel(), true
	case 2:
		return req.Args[0], req.Args[1], true
	default:
		return "", "", false
	}
}

// userError strips the package prefix from input errors so the reply reads
// naturally; other errors pass through.
func userError(err error) error {
	if engine.IsUserError(err) {
		return errors.New(strings.TrimPrefix(err.Error(), "engine: "))
	}
	if errors.Is(err, engine.ErrPersist) {
		return errors.New("could not save subscriptions, try again")
	}
	return err
}
