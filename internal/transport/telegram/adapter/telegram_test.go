package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "weibobot/internal/transport"
	logx "weibobot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
	errs  []error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.sent = append(f.sent, what.(string))
	f.chats = append(f.chats, to.(*tele.Chat).ID)
	return &tele.Message{ID: len(f.sent)}, nil
}

func TestDeliverParsesChannelAndChunks(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	a := newAdapter(Config{}, logx.Nop(), fs)

	body := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000)
	if err := a.Deliver(context.Background(), "-100123/9", body); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(fs.sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(fs.sent))
	}
	if fs.sent[0] != strings.Repeat("a", 3000) || fs.chats[1] != -100123 {
		t.Fatalf("unexpected chunking: %d bytes to %v", len(fs.sent[0]), fs.chats)
	}

	if err := a.Deliver(context.Background(), "not-a-chat", "x"); !errors.Is(err, kit.ErrBadChannel) {
		t.Fatalf("bad channel err = %v", err)
	}
}

func TestSendRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{errs: []error{errors.New("connection reset")}}
	a := newAdapter(Config{SendRetries: 2}, logx.Nop(), fs)

	if err := a.Deliver(context.Background(), "42", "hello"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(fs.sent) != 1 || fs.sent[0] != "hello" {
		t.Fatalf("sent = %v", fs.sent)
	}
}

func TestSendDoesNotRetryRejections(t *testing.T) {
	t.Parallel()
	forbidden := &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}
	fs := &fakeSender{errs: []error{forbidden, nil}}
	a := newAdapter(Config{SendRetries: 3}, logx.Nop(), fs)

	err := a.Deliver(context.Background(), "42", "hello")
	if !errors.As(err, new(*tele.Error)) {
		t.Fatalf("err = %v, want the telegram rejection", err)
	}
	if len(fs.sent) != 0 {
		t.Fatalf("rejected message was retried: %v", fs.sent)
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	s := strings.Repeat("x", 25)
	got := splitTelegramText(s, 10, "")
	if len(got) != 3 || strings.Join(got, "") != s {
		t.Fatalf("hard split = %q", got)
	}

	html := "aaaaaa<b>bold</b>"
	got = splitTelegramText(html, 8, "HTML")
	if got[0] != "aaaaaa" {
		t.Fatalf("HTML split cut inside a tag: %q", got)
	}
}

func TestMenuHashChangesWithCommands(t *testing.T) {
	t.Parallel()
	a := menuHash([]kit.BotCommand{{Command: "help", Description: "x"}})
	b := menuHash([]kit.BotCommand{{Command: "help", Description: "y"}})
	if a == b {
		t.Fatal("menu hash ignores descriptions")
	}
}
