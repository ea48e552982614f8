package core

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n1ghtBl00d/801DoorBot/internal/config"
	kit "github.com/n1ghtBl00d/801DoorBot/internal/transport"
	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

const defaultCommandTimeout = 30 * time.Second

type CommandManager struct {
	mu        sync.RWMutex
	commands  map[string]*Command // name and aliases -> command
	ordered   []*Command          // registration order, primary names only
	callbacks map[string]CallbackFunc
	owners    []int64

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *config.ConfigManager

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgm *config.ConfigManager, owners []int64) *CommandManager {
	return &CommandManager{
		commands:  map[string]*Command{},
		callbacks: map[string]CallbackFunc{},
		log:       log,
		adapter:   adapter,
		cfgm:      cfgm,
		owners:    append([]int64(nil), owners...),
		jobs:      make(chan func(), 64),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
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

// SetRegistry replaces the command set. A /help command is always present.
func (m *CommandManager) SetRegistry(cmds []Command) {
	withHelp := append([]Command{}, cmds...)
	withHelp = append(withHelp, Command{
		Name:        "help",
		Aliases:     []string{"h", "start"},
		Description: "show available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.FromID))
		},
	})

	byName := map[string]*Command{}
	ordered := make([]*Command, 0, len(withHelp))
	for i := range withHelp {
		c := &withHelp[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		ordered = append(ordered, c)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			byName[a] = c
		}
	}

	m.mu.Lock()
	m.commands = byName
	m.ordered = ordered
	m.mu.Unlock()
}

// SetCallbacks replaces the inline-button handler set. Button data is
// routed by its prefix: "relock:cancel" goes to the "relock" handler with
// Data "cancel".
func (m *CommandManager) SetCallbacks(cbs map[string]CallbackFunc) {
	cp := make(map[string]CallbackFunc, len(cbs))
	for name, fn := range cbs {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || fn == nil {
			continue
		}
		cp[name] = fn
	}
	m.mu.Lock()
	m.callbacks = cp
	m.mu.Unlock()
}

// MenuCommands returns the visible command list for the platform menu.
func (m *CommandManager) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.ordered))
	for _, c := range m.ordered {
		if c.Hidden || c.Access == AccessOwnerOnly {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func (m *CommandManager) helpText(fromID int64) string {
	owners := m.ownersSnapshot()
	owner := isOwner(fromID, owners)

	m.mu.RLock()
	cmds := append([]*Command(nil), m.ordered...)
	m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Door bot commands:\n")
	for _, c := range cmds {
		if c.Hidden {
			continue
		}
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		if c.Description != "" {
			b.WriteString(" — ")
			b.WriteString(c.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// DispatchLoop consumes adapter updates and runs command handlers on a
// bounded worker pool until ctx is cancelled or the channel closes.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	m.log.Info("command dispatcher started",
		logx.Int("workers", workers),
		logx.Int("job_queue_cap", cap(m.jobs)),
	)

	var (
		wg        sync.WaitGroup
		closeOnce sync.Once
	)
	closeJobs := func() { closeOnce.Do(func() { close(m.jobs) }) }

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("panic in command worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-m.jobs:
					if !ok {
						return
					}
					if job != nil {
						job()
					}
				}
			}
		}()
	}

	defer func() {
		closeJobs()
		wg.Wait()
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
			switch up.Kind {
			case kit.UpdateMessage:
				m.routeMessage(ctx, up)
			case kit.UpdateCallback:
				m.routeCallback(ctx, up)
			}
		}
	}
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	m.mu.RLock()
	cmd, ok := m.commands[word]
	m.mu.RUnlock()
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !ok {
		// stay quiet in groups so the bot doesn't answer commands meant
		// for other bots
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(root, chat, "Unknown command. Try /help", nil)
		}
		return
	}

	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = m.adapter.SendText(root, chat, "This command is restricted.", nil)
		return
	}

	rid := uuid.NewString()[:8]
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Name),
	)

	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         args,
		ReqID:        rid,
		Adapter:      m.adapter,
		Config:       m.cfgm.Get(),
		Logger:       reqLog,
	}

	timeout, err := config.ParseDurationOrDefault("command.timeout", cmd.Timeout, defaultCommandTimeout)
	if err != nil {
		timeout = defaultCommandTimeout
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)

	select {
	case m.jobs <- func() { _ = final(root, req) }:
	default:
		_, _ = m.adapter.SendText(root, chat, "Busy, try again in a moment.", nil)
	}
}

func (m *CommandManager) routeCallback(root context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	name, arg := cb.Data, ""
	if i := strings.IndexByte(cb.Data, ':'); i >= 0 {
		name, arg = cb.Data[:i], cb.Data[i+1:]
	}

	m.mu.RLock()
	fn, ok := m.callbacks[strings.ToLower(name)]
	m.mu.RUnlock()
	if !ok {
		// Stale button from a previous bot generation; dismiss the spinner.
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
		return
	}

	rid := uuid.NewString()[:8]
	req := &CallbackRequest{
		Callback: *cb,
		Ref:      kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID},
		FromID:   cb.FromID,
		Data:     arg,
		ReqID:    rid,
		Adapter:  m.adapter,
		Config:   m.cfgm.Get(),
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("callback", name),
		),
	}

	job := func() {
		defer func() {
			if r := recover(); r != nil {
				req.Logger.Error("panic in callback handler",
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		cctx, cancel := context.WithTimeout(root, defaultCommandTimeout)
		defer cancel()
		if err := fn(cctx, req); err != nil {
			req.Logger.Warn("callback handler failed", logx.Err(err))
		}
	}

	select {
	case m.jobs <- job:
	default:
		_ = m.adapter.AnswerCallback(root, cb.ID, "Busy, try again in a moment.")
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
