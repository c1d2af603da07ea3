// Package router turns chat messages into command invocations: it parses
// "/name args", applies access control and runs handlers on a bounded worker
// pool with panic recovery, timeouts and request logging.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "weibobot/internal/runtime/supervisor"
	kit "weibobot/internal/transport"
	logx "weibobot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	// Reply answers in the chat (and topic) the command came from.
	Reply func(ctx context.Context, text string) error
}

// Channel is the request chat in the channel id form used by subscriptions.
func (r *Request) Channel() string { return r.Chat.String() }

const defaultTimeout = 30 * time.Second

type CommandManager struct {
	mu       sync.RWMutex
	commands map[string]*Command // name and aliases
	ordered  []Command           // by name
	owners   []int64

	log     logx.Logger
	adapter kit.Adapter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		commands: map[string]*Command{},
		owners:   append([]int64(nil), owners...),
		log:      log,
		adapter:  adapter,
		jobs:     make(chan func(), 256),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks. Safe to
// call during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// SetRegistry installs the command set. A help command is always added.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "List available commands and descriptions.",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.HelpText())
		},
	})

	byName := map[string]*Command{}
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		ordered = append(ordered, cc)
	}
	// aliases never shadow a real command name
	for i := range ordered {
		c := byName[ordered[i].Name]
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a == "" {
				continue
			}
			if _, taken := byName[a]; !taken {
				byName[a] = c
			}
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	m.mu.Lock()
	m.commands = byName
	m.ordered = ordered
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := make([]kit.BotCommand, 0, len(ordered))
		for _, c := range ordered {
			menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
		}
		go func() {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, menu); err != nil {
				m.log.Debug("menu update failed", logx.Err(err))
			}
		}()
	}
}

// HelpText lists every command sorted by name.
func (m *CommandManager) HelpText() string {
	m.mu.RLock()
	cmds := slices.Clone(m.ordered)
	m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Supported commands: \n")
	for _, c := range cmds {
		b.WriteString("    /")
		b.WriteString(c.Name)
		b.WriteString(" --- ")
		b.WriteString(c.Description)
		if c.Usage != "" {
			b.WriteString(" (")
			b.WriteString(c.Usage)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("Have fun.")
	return b.String()
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)

	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.runMu.Lock()
	m.sup, m.running = sup, true
	m.runMu.Unlock()

	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		m.runMu.Lock()
		m.running = false
		m.runMu.Unlock()
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeMessage(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) tryEnqueue(fn func()) bool {
	m.runMu.Lock()
	running := m.running
	m.runMu.Unlock()
	if !running {
		return false
	}
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	cmd := m.commands[word]
	m.mu.RUnlock()
	if cmd == nil {
		// Groups carry commands for other bots too; stay quiet there.
		if !msg.IsGroup {
			_ = m.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		}
		return
	}

	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, m.ownersSnapshot()) {
		_ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    parts[1:],
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	req.Reply = func(ctx context.Context, text string) error {
		return m.adapter.SendText(ctx, chat, text, &kit.SendOptions{DisablePreview: true})
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWReplyError(),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	// No owners configured means owner-only commands are open.
	if len(owners) == 0 {
		return true
	}
	return slices.Contains(owners, id)
}
