// Package adapter connects the bot to Telegram through telebot: it long-polls
// updates for the command router and delivers posts and ops messages.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	tele "gopkg.in/telebot.v4"

	rtsup "weibobot/internal/runtime/supervisor"
	kit "weibobot/internal/transport"
	logx "weibobot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRetries bounds retries of one message chunk on transient errors.
	SendRetries int
}

// sender is the part of *tele.Bot used for outgoing messages.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	send    sender
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop, the drop reporter and the stop watcher.
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the router was slower
	// than the poll loop; it is reported periodically.
	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	a := newAdapter(cfg, log, b)
	a.bot = b
	a.registerHandlers()
	return a, nil
}

func newAdapter(cfg Config, log logx.Logger, s sender) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SendRetries < 0 {
		cfg.SendRetries = 0
	}
	a := &Adapter{cfg: cfg, log: log, send: s}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the current output channel; Start may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Message: &kit.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
				IsGroup:      m.Chat.Type != tele.ChatPrivate,
			},
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter failures must not take the app down
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; restart it if it exits on its own.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

	// Keep shutdown snappy even if getUpdates is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Deliver sends body to channelID ("<chat>" or "<chat>/<thread>"). It is the
// sink used for post fan-out and for the ops log channel.
func (a *Adapter) Deliver(ctx context.Context, channelID, body string) error {
	to, err := kit.ParseChatTarget(channelID)
	if err != nil {
		return err
	}
	return a.SendText(ctx, to, body, &kit.SendOptions{})
}

// SendText sends text in chunks that fit Telegram's message limit. Each chunk
// is retried with backoff on transient errors; flood waits are honored.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	for _, chunk := range chunks {
		sendOpt := &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if err := a.sendChunk(ctx, chat, chunk, sendOpt); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendChunk(ctx context.Context, chat *tele.Chat, chunk string, opt *tele.SendOptions) error {
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		_, err := a.send.Send(chat, chunk, opt)
		if err == nil {
			return nil
		}
		if wait, ok := floodWait(err); ok {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-t.C:
			}
			return err
		}
		if permanentSendError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = time.Minute
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.cfg.SendRetries)), ctx))
}

func floodWait(err error) (time.Duration, bool) {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return time.Duration(fe.RetryAfter) * time.Second, true
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return time.Duration(fp.RetryAfter) * time.Second, true
	}
	return 0, false
}

// permanentSendError reports Telegram rejections that a retry cannot fix:
// bad requests and missing permissions.
func permanentSendError(err error) bool {
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code == 400 || te.Code == 403
	}
	return false
}

// UpdateMenuCommands publishes the command menu (setMyCommands). It only
// calls Telegram when the list changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	sum := menuHash(cmds)
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tcmds := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		tcmds = append(tcmds, tele.Command{Text: c.Command, Description: d})
		if len(tcmds) >= 100 {
			break
		}
	}
	if err := a.bot.SetCommands(tcmds); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(tcmds)))
	return nil
}
