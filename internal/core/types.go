package core

import (
	"context"

	"github.com/n1ghtBl00d/801DoorBot/internal/config"
	kit "github.com/n1ghtBl00d/801DoorBot/internal/transport"
	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
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
	Hidden      bool // omitted from /help and the command menu

	Timeout string // optional per-command override, Go duration string
	Handle  HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	ReqID        string

	Adapter kit.Adapter
	Config  *config.Config
	Logger  logx.Logger
}

type HandlerFunc func(ctx context.Context, req *Request) error

// Reply sends text back to the originating chat, preview disabled.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyWithButtons is Reply with an inline keyboard attached.
func (r *Request) ReplyWithButtons(ctx context.Context, text string, rows [][]kit.InlineButton) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, Buttons: rows})
	return err
}

// CallbackRequest carries one inline-button press to its handler. Data is
// the prefix-stripped argument part of the button's callback data.
type CallbackRequest struct {
	Callback kit.Callback
	Ref      kit.MessageRef // the message carrying the pressed button
	FromID   int64
	Data     string
	ReqID    string

	Adapter kit.Adapter
	Config  *config.Config
	Logger  logx.Logger
}

type CallbackFunc func(ctx context.Context, req *CallbackRequest) error

// Answer shows a short toast to the user who pressed the button. Required
// by the platform even when there is nothing to say.
func (r *CallbackRequest) Answer(ctx context.Context, text string) error {
	return r.Adapter.AnswerCallback(ctx, r.Callback.ID, text)
}

// EditMessage rewrites the message the button was attached to. Passing no
// rows removes the keyboard.
func (r *CallbackRequest) EditMessage(ctx context.Context, text string, rows [][]kit.InlineButton) error {
	return r.Adapter.EditText(ctx, r.Ref, text, &kit.SendOptions{DisablePreview: true, Buttons: rows})
}
