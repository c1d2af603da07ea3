package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"weibobot/internal/app"
)

func main() {
	if err := rootApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func rootApp() *cli.App {
	return &cli.App{
		Name:  "weibobot",
		Usage: "Deliver new Weibo posts to Telegram chats",
		Description: `Polls a primary Weibo account and any account a chat subscribed to,
and forwards every new post to the subscribed chats.

The config file may be JSON, YAML or TOML (chosen by extension) and is
reloaded when it changes.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the config file",
				EnvVars: []string{"WEIBOBOT_CONFIG"},
				Value:   "./config.json",
			},
		},
		Commands: []*cli.Command{
			stateCmd(),
		},
		Action: runBot,
	}
}

func runBot(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(c.String("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	return exitError(a.Err(), a.Fatal())
}

// exitError turns the app's terminal error into the command result. A tripped
// failure guard always exits non-zero.
func exitError(err error, fatal bool) error {
	switch {
	case fatal:
		return fmt.Errorf("giving up after repeated fetch failures: %w", err)
	case err != nil && !errors.Is(err, context.Canceled):
		return err
	}
	return nil
}
