package router

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	kit "weibobot/internal/transport"
	logx "weibobot/pkg/logx"
)

type sent struct {
	To   kit.ChatTarget
	Text string
}

type fakeAdapter struct {
	out chan sent
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{out: make(chan sent, 16)} }

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                    { return nil }
func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) error {
	f.out <- sent{To: to, Text: text}
	return nil
}

func (f *fakeAdapter) next(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-f.out:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no reply sent")
		return sent{}
	}
}

func startManager(t *testing.T, owners []int64, cmds ...Command) (*fakeAdapter, chan kit.Update) {
	t.Helper()
	ad := newFakeAdapter()
	m := NewCommandManager(logx.Nop(), ad, owners)
	ctx, cancel := context.WithCancel(context.Background())
	m.SetRegistry(ctx, cmds)
	updates := make(chan kit.Update)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ad, updates
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Message: &kit.Message{ChatID: 100, ThreadID: 3, FromID: from, Text: text}}
}

func echo(name string) Command {
	return Command{
		Name:        name,
		Description: "echo " + name,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, req.Command+":"+strings.Join(req.Args, ","))
		},
	}
}

func TestRoutesCommandWithArgsAndBotSuffix(t *testing.T) {
	t.Parallel()
	ad, updates := startManager(t, nil, echo("news"))

	updates <- msg(1, `/news@weibo_bot 3 "two words"`)
	got := ad.next(t)
	if got.Text != "news:3,two words" {
		t.Fatalf("reply = %q", got.Text)
	}
	if got.To != (kit.ChatTarget{ChatID: 100, ThreadID: 3}) {
		t.Fatalf("reply target = %+v", got.To)
	}
}

func TestAliasesAndSanitizedNames(t *testing.T) {
	t.Parallel()
	c := echo("arknights-news")
	c.Aliases = []string{"an"}
	ad, updates := startManager(t, nil, c)

	updates <- msg(1, "/an")
	if got := ad.next(t); got.Text != "arknights_news:" {
		t.Fatalf("alias reply = %q", got.Text)
	}
	updates <- msg(1, "/arknights_news x")
	if got := ad.next(t); got.Text != "arknights_news:x" {
		t.Fatalf("name reply = %q", got.Text)
	}
}

func TestOwnerOnlyCommands(t *testing.T) {
	t.Parallel()
	c := echo("subscribe")
	c.Access = AccessOwnerOnly
	ad, updates := startManager(t, []int64{7}, c)

	updates <- msg(8, "/subscribe 1")
	if got := ad.next(t); got.Text != "unauthorized" {
		t.Fatalf("non-owner reply = %q", got.Text)
	}
	updates <- msg(7, "/subscribe 1")
	if got := ad.next(t); got.Text != "subscribe:1" {
		t.Fatalf("owner reply = %q", got.Text)
	}
}

func TestHandlerErrorsAndPanicsAreAnswered(t *testing.T) {
	t.Parallel()
	failing := Command{Name: "fail", Handle: func(ctx context.Context, req *Request) error {
		return errors.New("nothing here")
	}}
	panicky := Command{Name: "boom", Handle: func(ctx context.Context, req *Request) error {
		panic("bad")
	}}
	ad, updates := startManager(t, nil, failing, panicky, echo("ok"))

	updates <- msg(1, "/fail")
	if got := ad.next(t); got.Text != "Error: nothing here" {
		t.Fatalf("error reply = %q", got.Text)
	}
	updates <- msg(1, "/boom")
	updates <- msg(1, "/ok")
	if got := ad.next(t); got.Text != "ok:" {
		t.Fatalf("router did not survive a panic: %q", got.Text)
	}
}

func TestUnknownCommandOnlyAnsweredInPrivate(t *testing.T) {
	t.Parallel()
	ad, updates := startManager(t, nil)

	group := msg(1, "/other_bot_cmd")
	group.Message.IsGroup = true
	updates <- group
	updates <- msg(1, "/nope")
	if got := ad.next(t); !strings.HasPrefix(got.Text, "Unknown command") {
		t.Fatalf("reply = %q", got.Text)
	}
	select {
	case extra := <-ad.out:
		t.Fatalf("unexpected extra reply %q", extra.Text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHelpTextIsSorted(t *testing.T) {
	t.Parallel()
	m := NewCommandManager(logx.Nop(), newFakeAdapter(), nil)
	m.SetRegistry(context.Background(), []Command{echo("zeta"), echo("alpha")})

	want := "Supported commands: \n" +
		"    /alpha --- echo alpha\n" +
		"    /help --- List available commands and descriptions.\n" +
		"    /zeta --- echo zeta\n" +
		"Have fun."
	if got := m.HelpText(); got != want {
		t.Fatalf("HelpText =\n%s\nwant\n%s", got, want)
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	got := tokenizeCommandLine(`/news  "常驻 标准" a\ b 'c'`)
	want := []string{"/news", "常驻 标准", "a b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokens = %q, want %q", got, want)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"arknights-help": "arknights_help",
		"News":           "news",
		"1up":            "cmd_1up",
		"--":             "",
	}
	for in, want := range tests {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
