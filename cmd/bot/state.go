package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"weibobot/internal/config"
	"weibobot/internal/post"
	"weibobot/internal/storage"
	logx "weibobot/pkg/logx"
)

func stateCmd() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Print the durable state: subscriptions and the newest primary posts",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "posts",
				Usage: "how many of the newest primary posts to show",
				Value: 5,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.NewConfigManager(c.String("config")).Parse()
			if err != nil {
				return err
			}
			sc := storage.Config{}
			if cfg.Storage != nil {
				sc.Driver, sc.Path = cfg.Storage.Driver, cfg.Storage.Path
			}
			st, err := storage.Open(sc, logx.Nop())
			if err != nil {
				return err
			}
			defer st.Close()
			return printState(c.Context, st, cfg.Engine.PrimarySource, c.Int("posts"))
		},
	}
}

func printState(ctx context.Context, st storage.Store, primary string, limit int) error {
	subs, err := st.LoadSubscriptions(ctx)
	if err != nil {
		return err
	}
	items, err := st.LoadPosts(ctx)
	if err != nil {
		return err
	}

	head := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.FgHiBlack)

	head.Printf("Subscriptions (%d sources)\n", len(subs))
	srcs := make([]string, 0, len(subs))
	for src := range subs {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	for _, src := range srcs {
		fmt.Printf("  %s -> %s\n", color.New(color.FgGreen).Sprint(src), strings.Join(subs[src], ", "))
	}
	if len(srcs) == 0 {
		dim.Println("  (none)")
	}

	store := post.NewStore()
	store.Load(items)
	ids := store.OrderedIDs()
	fmt.Println()
	head.Printf("Primary %s (%d posts)\n", primary, len(ids))
	for i, id := range ids {
		if i >= limit {
			dim.Printf("  ... %d more\n", len(ids)-limit)
			break
		}
		it, _ := store.Get(id)
		fmt.Printf("  %s %s\n", color.New(color.FgYellow).Sprint(id), firstLine(it.Body, 80))
	}
	return nil
}

func firstLine(s string, max int) string {
	s, _, _ = strings.Cut(s, "\n")
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}
