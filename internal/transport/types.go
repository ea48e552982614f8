package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
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

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	ThreadID     int
	MessageID    int
	Data         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// InlineButton is one tappable button attached to a message. Pressing it
// delivers Data back as a Callback update.
type InlineButton struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Buttons        [][]InlineButton // inline keyboard rows, nil for none
}

// Label mutation failures the caller is expected to distinguish.
//
// ErrQuotaExceeded means the platform enforced its own rename limit; the
// caller may defer and retry later. ErrPermissionDenied is terminal for the
// attempt (the bot lacks rights on that chat).
var (
	ErrQuotaExceeded    = errors.New("label write quota exceeded")
	ErrPermissionDenied = errors.New("label write permission denied")
)

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// LabelTarget is the rename surface for the status display: the title of a
// chat the bot administers. Writes are subject to the platform's own rename
// quota; implementations report that as ErrQuotaExceeded.
type LabelTarget interface {
	ReadLabel(ctx context.Context, chatID int64) (string, error)
	WriteLabel(ctx context.Context, chatID int64, label string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
