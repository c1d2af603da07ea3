// Package transport holds the chat-platform neutral types shared by the
// Telegram adapter and the command router.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// ChatTarget addresses a chat and, optionally, a forum topic inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// String renders the channel id form used in subscriptions: "<chat>" or
// "<chat>/<thread>".
func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return strconv.FormatInt(t.ChatID, 10) + "/" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

var ErrBadChannel = errors.New("transport: bad channel id")

// ParseChatTarget is the inverse of ChatTarget.String.
func ParseChatTarget(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	chat, thread, hasThread := strings.Cut(s, "/")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, fmt.Errorf("%w: %q", ErrBadChannel, s)
	}
	t := ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil || tid <= 0 {
			return ChatTarget{}, fmt.Errorf("%w: %q", ErrBadChannel, s)
		}
		t.ThreadID = tid
	}
	return t, nil
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu (Telegram setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
