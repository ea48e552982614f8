package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/n1ghtBl00d/801DoorBot/internal/config"
	kit "github.com/n1ghtBl00d/801DoorBot/internal/transport"
	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	edits   []string
	answers []string
	titles  map[int64]string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{titles: map[int64]string{}}
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	f.edits = append(f.edits, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	f.answers = append(f.answers, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) editTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits...)
}

func (f *fakeAdapter) answerTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.answers...)
}

func (f *fakeAdapter) ReadLabel(_ context.Context, chatID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.titles[chatID], nil
}

func (f *fakeAdapter) WriteLabel(_ context.Context, chatID int64, label string) error {
	f.mu.Lock()
	f.titles[chatID] = label
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testConfigManager(cfg *config.Config) *config.ConfigManager {
	m := config.NewConfigManager("unused.json")
	m.Commit(cfg)
	return m
}

func messageUpdate(chatID, fromID int64, text string) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ChatID: chatID,
			FromID: fromID,
			Text:   text,
		},
	}
}

func startDispatcher(t *testing.T, m *CommandManager) chan<- kit.Update {
	t.Helper()
	updates := make(chan kit.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func waitForTexts(t *testing.T, ad *fakeAdapter, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := ad.sentTexts(); len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sends, have %v", n, ad.sentTexts())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchRoutesCommand(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	m := NewCommandManager(logx.Logger{}, ad, testConfigManager(&config.Config{}), nil)

	var mu sync.Mutex
	var gotArgs []string
	m.SetRegistry([]Command{{
		Name:        "status",
		Description: "door status",
		Handle: func(ctx context.Context, req *Request) error {
			mu.Lock()
			gotArgs = append([]string(nil), req.Args...)
			mu.Unlock()
			return req.Reply(ctx, "ok")
		},
	}})

	updates := startDispatcher(t, m)
	updates <- messageUpdate(1, 2, "/status@mydoorbot extra arg")

	texts := waitForTexts(t, ad, 1)
	if texts[0] != "ok" {
		t.Fatalf("reply = %q", texts[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if len(gotArgs) != 2 || gotArgs[0] != "extra" || gotArgs[1] != "arg" {
		t.Fatalf("args = %v", gotArgs)
	}
}

func TestDispatchAlias(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	m := NewCommandManager(logx.Logger{}, ad, testConfigManager(&config.Config{}), nil)
	m.SetRegistry([]Command{{
		Name:    "unlock",
		Aliases: []string{"open"},
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "unlocked via "+req.Command)
		},
	}})

	updates := startDispatcher(t, m)
	updates <- messageUpdate(1, 2, "/open")

	texts := waitForTexts(t, ad, 1)
	if texts[0] != "unlocked via unlock" {
		t.Fatalf("reply = %q", texts[0])
	}
}

func TestDispatchRoutesCallback(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	m := NewCommandManager(logx.Logger{}, ad, testConfigManager(&config.Config{}), nil)

	got := make(chan string, 1)
	m.SetCallbacks(map[string]CallbackFunc{
		"relock": func(ctx context.Context, req *CallbackRequest) error {
			got <- req.Data
			return req.Answer(ctx, "done")
		},
	})

	updates := startDispatcher(t, m)
	updates <- kit.Update{
		Kind: kit.UpdateCallback,
		Callback: &kit.Callback{
			ID:        "cb1",
			ChatID:    1,
			FromID:    2,
			MessageID: 7,
			Data:      "relock:cancel",
		},
	}

	select {
	case data := <-got:
		if data != "cancel" {
			t.Fatalf("callback data = %q, want %q", data, "cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback handler never ran")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(ad.answerTexts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if answers := ad.answerTexts(); len(answers) != 1 || answers[0] != "done" {
		t.Fatalf("answers = %v", answers)
	}
}

func TestDispatchUnknownCallbackDismissed(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	m := NewCommandManager(logx.Logger{}, ad, testConfigManager(&config.Config{}), nil)
	m.SetCallbacks(nil)

	updates := startDispatcher(t, m)
	updates <- kit.Update{
		Kind:     kit.UpdateCallback,
		Callback: &kit.Callback{ID: "cb1", ChatID: 1, FromID: 2, Data: "oldbot:thing"},
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(ad.answerTexts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if answers := ad.answerTexts(); len(answers) != 1 || answers[0] != "" {
		t.Fatalf("answers = %v, want one empty dismissal", answers)
	}
	if len(ad.sentTexts()) != 0 {
		t.Fatal("unknown callback produced a message")
	}
}

func TestDispatchOwnerOnly(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	m := NewCommandManager(logx.Logger{}, ad, testConfigManager(&config.Config{}), []int64{99})
	ran := make(chan int64, 2)
	m.SetRegistry([]Command{{
		Name:   "audit",
		Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			ran <- req.FromID
			return nil
		},
	}})

	updates := startDispatcher(t, m)
	updates <- messageUpdate(1, 2, "/audit") // not an owner
	updates <- messageUpdate(1, 99, "/audit")

	select {
	case from := <-ran:
		if from != 99 {
			t.Fatalf("handler ran for non-owner %d", from)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("owner command never ran")
	}
	select {
	case from := <-ran:
		t.Fatalf("handler ran twice (second from %d)", from)
	case <-time.After(50 * time.Millisecond):
	}

	// the non-owner got the restriction notice
	if texts := waitForTexts(t, ad, 1); texts[0] != "This command is restricted." {
		t.Fatalf("restriction reply = %q", texts[0])
	}
}

func TestDispatchIgnoresGroupUnknown(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	m := NewCommandManager(logx.Logger{}, ad, testConfigManager(&config.Config{}), nil)
	m.SetRegistry(nil)

	updates := startDispatcher(t, m)
	up := messageUpdate(1, 2, "/sing")
	up.Message.IsGroup = true
	updates <- up

	time.Sleep(50 * time.Millisecond)
	if got := ad.sentTexts(); len(got) != 0 {
		t.Fatalf("unexpected reply to unknown group command: %v", got)
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	m := NewCommandManager(logx.Logger{}, ad, testConfigManager(&config.Config{}), []int64{99})
	m.SetRegistry([]Command{
		{Name: "unlock", Usage: "/unlock [timer]", Description: "unlock doors", Handle: func(context.Context, *Request) error { return nil }},
		{Name: "audit", Access: AccessOwnerOnly, Description: "recent actions", Handle: func(context.Context, *Request) error { return nil }},
	})

	everyone := m.helpText(2)
	if !strings.Contains(everyone, "/unlock [timer]") {
		t.Fatalf("help missing unlock: %q", everyone)
	}
	if strings.Contains(everyone, "audit") {
		t.Fatalf("owner command leaked into public help: %q", everyone)
	}

	owner := m.helpText(99)
	if !strings.Contains(owner, "audit") {
		t.Fatalf("owner help missing audit: %q", owner)
	}

	menu := m.MenuCommands()
	for _, c := range menu {
		if c.Command == "audit" {
			t.Fatal("owner command exposed in menu")
		}
	}
}
