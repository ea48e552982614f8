package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/n1ghtBl00d/801DoorBot/internal/services/timeparse"
	"github.com/n1ghtBl00d/801DoorBot/internal/storage"
	kit "github.com/n1ghtBl00d/801DoorBot/internal/transport"
	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

func (a *App) buildCommands() []Command {
	return []Command{
		{
			Name:        "unlock",
			Aliases:     []string{"open"},
			Description: "unlock all doors, optionally with a re-lock timer",
			Usage:       "/unlock [30m | 1h30m | 9:45 | 5:30pm]",
			Handle:      a.cmdUnlock,
		},
		{
			Name:        "lock",
			Aliases:     []string{"close"},
			Description: "lock all doors and cancel any re-lock timer",
			Usage:       "/lock",
			Handle:      a.cmdLock,
		},
		{
			Name:        "status",
			Description: "show each door and any pending re-lock",
			Usage:       "/status",
			Handle:      a.cmdStatus,
		},
		{
			Name:        "audit",
			Description: "show recent door actions",
			Usage:       "/audit [n]",
			Access:      AccessOwnerOnly,
			Handle:      a.cmdAudit,
		},
	}
}

func (a *App) cmdUnlock(ctx context.Context, req *Request) error {
	var (
		fireAt   time.Time
		timerErr error
	)
	timerInput := strings.TrimSpace(strings.Join(req.Args, " "))
	if timerInput != "" {
		loc := timeparse.LoadLocation(req.Config.AutoLock.Timezone, req.Logger)
		fireAt, timerErr = timeparse.Parse(timerInput, time.Now(), loc)
	}

	start := time.Now()
	if err := a.doors.SetEvacuation(ctx, true); err != nil {
		a.audit(ctx, req, "unlock", timerInput, start, err)
		_ = req.Reply(ctx, "❌ Failed to unlock doors.")
		return err
	}

	detail := ""
	if !fireAt.IsZero() {
		a.sched.Schedule(fireAt)
		detail = "re-lock at " + a.formatLocal(fireAt)
	} else {
		// A fresh unlock without a timer must not be undone by a timer armed
		// for a previous unlock.
		a.sched.Cancel()
	}
	a.audit(ctx, req, "unlock", detail, start, nil)
	a.announce(ctx, announceUnlockText(req.FromUsername, fireAt, a.formatLocal))
	a.applyLabel(ctx, true)

	reply := "✅ All doors have been unlocked"
	if !fireAt.IsZero() {
		reply += fmt.Sprintf("\n🔒 Re-locking at %s", a.formatLocal(fireAt))
	}
	if timerErr != nil {
		reply += "\n⚠️ Couldn't understand the timer (" + timerErr.Error() + "); no re-lock scheduled."
	}
	if !fireAt.IsZero() {
		return req.ReplyWithButtons(ctx, reply, relockButtons())
	}
	return req.Reply(ctx, reply)
}

func relockButtons() [][]kit.InlineButton {
	return [][]kit.InlineButton{{
		{Text: "⏲ +30m", Data: "relock:extend"},
		{Text: "❌ Cancel re-lock", Data: "relock:cancel"},
	}}
}

// cbRelock handles the timer buttons on a timed-unlock reply.
func (a *App) cbRelock(ctx context.Context, req *CallbackRequest) error {
	switch req.Data {
	case "cancel":
		at, armed := a.sched.NextAt()
		a.sched.Cancel()
		if !armed {
			return req.Answer(ctx, "No re-lock timer armed.")
		}
		a.auditCallback(ctx, req, "relock_cancel", "was "+a.formatLocal(at))
		if err := req.Answer(ctx, "Re-lock timer cancelled."); err != nil {
			req.Logger.Warn("callback answer failed", logx.Err(err))
		}
		return req.EditMessage(ctx,
			fmt.Sprintf("✅ All doors have been unlocked\n❌ Re-lock timer cancelled by %s", callbackWho(req)),
			nil)

	case "extend":
		at, armed := a.sched.NextAt()
		if !armed {
			return req.Answer(ctx, "No re-lock timer armed.")
		}
		at = at.Add(30 * time.Minute)
		a.sched.Schedule(at)
		a.auditCallback(ctx, req, "relock_extend", "re-lock at "+a.formatLocal(at))
		if err := req.Answer(ctx, "Re-lock pushed back 30 minutes."); err != nil {
			req.Logger.Warn("callback answer failed", logx.Err(err))
		}
		return req.EditMessage(ctx,
			fmt.Sprintf("✅ All doors have been unlocked\n🔒 Re-locking at %s", a.formatLocal(at)),
			relockButtons())

	default:
		return req.Answer(ctx, "")
	}
}

func callbackWho(req *CallbackRequest) string {
	if req.Callback.FromUsername != "" {
		return "@" + req.Callback.FromUsername
	}
	return "someone"
}

// auditCallback mirrors audit() for button presses.
func (a *App) auditCallback(ctx context.Context, req *CallbackRequest, action, detail string) {
	if a.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:            time.Now(),
		ActorID:       req.FromID,
		ActorUsername: req.Callback.FromUsername,
		ChatID:        req.Callback.ChatID,
		Action:        action,
		Detail:        detail,
	}
	if err := a.store.AppendAudit(ctx, e); err != nil {
		a.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func (a *App) cmdLock(ctx context.Context, req *Request) error {
	a.sched.Cancel()

	start := time.Now()
	if err := a.doors.SetEvacuation(ctx, false); err != nil {
		a.audit(ctx, req, "lock", "", start, err)
		_ = req.Reply(ctx, "❌ Failed to lock doors.")
		return err
	}
	a.audit(ctx, req, "lock", "", start, nil)
	a.announce(ctx, announceLockText(req.FromUsername))
	a.applyLabel(ctx, false)

	return req.Reply(ctx, "✅ All doors have been locked")
}

func (a *App) cmdStatus(ctx context.Context, req *Request) error {
	doors, err := a.doors.Doors(ctx)
	if err != nil {
		_ = req.Reply(ctx, "❌ Failed to get door status.")
		return err
	}

	var b strings.Builder
	b.WriteString("Door status:\n")
	if len(doors) == 0 {
		b.WriteString("(no doors reported)\n")
	}
	for _, d := range doors {
		if d.Locked {
			fmt.Fprintf(&b, "• %s: 🔒 Locked\n", d.Name)
		} else {
			fmt.Fprintf(&b, "• %s: 🔓 Unlocked\n", d.Name)
		}
	}

	if at, ok := a.sched.NextAt(); ok {
		fmt.Fprintf(&b, "\n⏲ Re-lock scheduled for %s", a.formatLocal(at))
	}
	if a.curfew != nil {
		if at, ok := a.curfew.NextFire(); ok {
			fmt.Fprintf(&b, "\n🌙 Curfew lock at %s", a.formatLocal(at))
		}
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (a *App) cmdAudit(ctx context.Context, req *Request) error {
	if a.store == nil {
		return req.Reply(ctx, "Audit storage is not configured.")
	}

	limit := 10
	if len(req.Args) > 0 {
		if _, err := fmt.Sscanf(req.Args[0], "%d", &limit); err != nil || limit < 1 || limit > 50 {
			limit = 10
		}
	}

	entries, err := a.store.RecentAudit(ctx, limit)
	if err != nil {
		_ = req.Reply(ctx, "❌ Failed to read the audit log.")
		return err
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "Audit log is empty.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d actions:\n", len(entries))
	for _, e := range entries {
		who := e.ActorUsername
		if who == "" && e.ActorID != 0 {
			who = fmt.Sprintf("id:%d", e.ActorID)
		}
		if who == "" {
			who = "bot"
		}
		fmt.Fprintf(&b, "• %s %s by %s", e.At.Local().Format("Jan 2 15:04"), e.Action, who)
		if e.Detail != "" {
			fmt.Fprintf(&b, " (%s)", e.Detail)
		}
		if e.Error != "" {
			b.WriteString(" ❌")
		}
		b.WriteString("\n")
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func announceUnlockText(username string, fireAt time.Time, format func(time.Time) string) string {
	who := "someone"
	if username != "" {
		who = "@" + username
	}
	text := "🔓 Doors unlocked by " + who
	if !fireAt.IsZero() {
		text += ", re-locking at " + format(fireAt)
	}
	return text
}

func announceLockText(username string) string {
	who := "someone"
	if username != "" {
		who = "@" + username
	}
	return "🔒 Doors locked by " + who
}

// audit records an operator action. Best-effort: storage problems are
// logged and never fail the command.
func (a *App) audit(ctx context.Context, req *Request, action, detail string, start time.Time, opErr error) {
	if a.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:     time.Now(),
		Action: action,
		Detail: detail,
		TookMS: time.Since(start).Milliseconds(),
	}
	if req != nil {
		e.ActorID = req.FromID
		e.ActorUsername = req.FromUsername
		e.ChatID = req.Chat.ChatID
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := a.store.AppendAudit(ctx, e); err != nil {
		a.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
