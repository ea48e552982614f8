package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/n1ghtBl00d/801DoorBot/internal/config"
	"github.com/n1ghtBl00d/801DoorBot/internal/observability/debughttp"
	rtsup "github.com/n1ghtBl00d/801DoorBot/internal/runtime/supervisor"
	"github.com/n1ghtBl00d/801DoorBot/internal/services/alerts"
	"github.com/n1ghtBl00d/801DoorBot/internal/services/autolock"
	"github.com/n1ghtBl00d/801DoorBot/internal/services/curfew"
	"github.com/n1ghtBl00d/801DoorBot/internal/services/doorwatch"
	"github.com/n1ghtBl00d/801DoorBot/internal/services/labeler"
	"github.com/n1ghtBl00d/801DoorBot/internal/services/timeparse"
	"github.com/n1ghtBl00d/801DoorBot/internal/storage"
	kit "github.com/n1ghtBl00d/801DoorBot/internal/transport"
	tg "github.com/n1ghtBl00d/801DoorBot/internal/transport/telegram/adapter"
	"github.com/n1ghtBl00d/801DoorBot/internal/unifi"
	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

// DoorController is the door-side collaborator (implemented by the UniFi
// Access client).
type DoorController interface {
	Doors(ctx context.Context) ([]unifi.Door, error)
	SetEvacuation(ctx context.Context, enabled bool) error
	AnyUnlocked(ctx context.Context) (bool, error)
}

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter     kit.Adapter
	labelTarget kit.LabelTarget
	doors       DoorController

	store  storage.Store
	debug  *debughttp.Server
	label  *labeler.Service
	sched  *autolock.Service
	curfew *curfew.Service
	watch  *doorwatch.Service
	alerts *alerts.Service

	cmdm    *CommandManager
	updates chan kit.Update

	loc *time.Location
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := tg.New(tg.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, ad)
	log = log.With(logx.String("comp", "app"))
	logs.SetTelegramTarget(cfg.Logging.Telegram.ChatID, cfg.Logging.Telegram.ThreadID)

	unifiTimeout, err := config.ParseDurationOrDefault("unifi.timeout", cfg.Unifi.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	doors, err := unifi.New(unifi.Config{
		Host:        cfg.Unifi.Host,
		Token:       cfg.Unifi.Token,
		InsecureTLS: cfg.Unifi.InsecureTLS,
		Timeout:     unifiTimeout,
	})
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
	}

	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logs,
		adapter:     ad,
		labelTarget: ad,
		doors:       doors,
		store:       store,
		alerts:      alertsFromConfig(cfg, log),
		updates:     make(chan kit.Update, 256),
		loc:         timeparse.LoadLocation(cfg.AutoLock.Timezone, log),
	}

	if cfg.Debug.Enabled {
		a.debug = debughttp.New(debughttp.Config{
			Enabled: true,
			Addr:    cfg.Debug.Addr,
			Token:   cfg.Debug.Token,
		}, log.With(logx.String("comp", "debug")))
	}

	renameWindow, err := config.ParseDurationOrDefault("status.rename_window", cfg.Status.RenameWindow, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	renameBuffer, err := config.ParseDurationOrDefault("status.rename_buffer", cfg.Status.RenameBuffer, 10*time.Second)
	if err != nil {
		return nil, err
	}
	a.label = labeler.New(labeler.Config{
		Quota:  cfg.Status.RenameQuota,
		Window: renameWindow,
		Buffer: renameBuffer,
	}, a.labelTarget, a.resolveLabel, log.With(logx.String("comp", "labeler")))

	a.sched = autolock.New(a.autoLockAction, log.With(logx.String("comp", "autolock")))
	a.sched.AddObserver(func(ctx context.Context) {
		a.announce(ctx, "🔒 Doors re-locked automatically")
	})
	a.sched.AddObserver(func(ctx context.Context) {
		a.applyLabel(ctx, false)
	})

	curfewLoc := a.loc
	if tz := strings.TrimSpace(cfg.Curfew.Timezone); tz != "" {
		curfewLoc = timeparse.LoadLocation(tz, log)
	}
	a.curfew = curfew.New(curfew.Config{
		Enabled:  cfg.Curfew.Enabled,
		At:       cfg.Curfew.At,
		Location: curfewLoc,
	}, a.curfewAction, log.With(logx.String("comp", "curfew")))

	pollInterval, err := config.ParseDurationField("status.poll_interval", cfg.Status.PollInterval)
	if err != nil {
		return nil, err
	}
	if pollInterval > 0 {
		longOpen, err := config.ParseDurationField("alerts.long_open_after", cfg.Alerts.LongOpenAfter)
		if err != nil {
			return nil, err
		}
		a.watch = doorwatch.New(doorwatch.Config{
			Interval:      pollInterval,
			LongOpenAfter: longOpen,
		}, doors, a.onDoorStateChange, log.With(logx.String("comp", "doorwatch")))
		a.watch.SetLongOpenHandler(a.onLongOpen)
	}

	a.cmdm = NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfgm, cfg.Telegram.OwnerUserIDs)
	a.cmdm.SetRegistry(a.buildCommands())
	a.cmdm.SetCallbacks(map[string]CallbackFunc{
		"relock": a.cbRelock,
	})

	return a, nil
}

func alertsFromConfig(cfg *config.Config, log logx.Logger) *alerts.Service {
	return alerts.New(alerts.Config{
		Enabled: cfg.Alerts.Enabled,
		Server:  cfg.Alerts.Server,
		Topic:   cfg.Alerts.Topic,
		Token:   cfg.Alerts.Token,
	}, log.With(logx.String("comp", "alerts")))
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	// best-effort: keep the platform command menu in sync
	if cmu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		mctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
		if err := cmu.UpdateMenuCommands(mctx, a.cmdm.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
		cancel()
	}

	if err := a.curfew.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.debug != nil {
		a.sup.GoRestart("debug.serve", a.debug.Serve,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	if a.watch != nil {
		a.sup.GoRestart("doorwatch.poll", a.watch.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
				a.log.Info("config reloaded")
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies the hot-reloadable config sections. Sections that
// require a restart (telegram token, unifi endpoint, storage driver, curfew
// schedule) are left alone.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	a.logs.SetTelegramTarget(cfg.Logging.Telegram.ChatID, cfg.Logging.Telegram.ThreadID)
	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.loc = timeparse.LoadLocation(cfg.AutoLock.Timezone, a.log)
}

func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Status.RenameQuota < 0 {
		return fmt.Errorf("status.rename_quota must be >= 0")
	}
	for path, raw := range map[string]string{
		"telegram.poll_timeout":  cfg.Telegram.PollTimeout,
		"unifi.timeout":          cfg.Unifi.Timeout,
		"status.rename_window":   cfg.Status.RenameWindow,
		"status.rename_buffer":   cfg.Status.RenameBuffer,
		"status.poll_interval":   cfg.Status.PollInterval,
		"alerts.long_open_after": cfg.Alerts.LongOpenAfter,
	} {
		if _, err := config.ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	for path, tz := range map[string]string{
		"auto_lock.timezone": cfg.AutoLock.Timezone,
		"curfew.timezone":    cfg.Curfew.Timezone,
	} {
		if tz = strings.TrimSpace(tz); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("%s: invalid %q: %w", path, tz, err)
			}
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("curfew", 2*time.Second, func(context.Context) error { a.curfew.Stop(); return nil })
	step("autolock", 2*time.Second, func(context.Context) error { a.sched.Close(); return nil })
	step("labeler", 2*time.Second, func(context.Context) error { a.label.Close(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	if a.store != nil {
		step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	}
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("logging", 1*time.Second, func(context.Context) error { return a.logs.Close() })

	a.log.Info("stopped")
	return nil
}

// ---- collaborators used by handlers and timers ----

func (a *App) formatLocal(t time.Time) string {
	return t.In(a.loc).Format("Mon Jan 2 3:04 PM")
}

// announce posts to the announce chat. Best-effort: never fails the action
// that triggered it.
func (a *App) announce(ctx context.Context, text string) {
	cfg := a.cfgm.Get()
	if cfg == nil || cfg.Telegram.AnnounceChatID == 0 {
		return
	}
	to := kit.ChatTarget{ChatID: cfg.Telegram.AnnounceChatID}
	if _, err := a.adapter.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		a.log.Warn("announce failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

// applyLabel drives the status chat title toward the given state. Quota
// exhaustion is handled inside the labeler; anything else is logged here.
func (a *App) applyLabel(ctx context.Context, unlocked bool) {
	cfg := a.cfgm.Get()
	if cfg == nil || cfg.Telegram.StatusChatID == 0 {
		return
	}
	title := renderTitle(cfg.Status, unlocked)
	outcome, err := a.label.Apply(ctx, cfg.Telegram.StatusChatID, title)
	if err != nil {
		a.log.Warn("status title update failed", logx.Err(err))
		return
	}
	a.log.Debug("status title",
		logx.String("outcome", outcome.String()),
		logx.Bool("unlocked", unlocked),
	)
}

// resolveLabel reports the title that should be current right now. Used by
// the labeler when a deferred rename wakes up.
func (a *App) resolveLabel(ctx context.Context, _ int64) (string, error) {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return "", fmt.Errorf("no config loaded")
	}
	if a.watch != nil {
		if unlocked, _, ok := a.watch.Unlocked(); ok {
			return renderTitle(cfg.Status, unlocked), nil
		}
	}
	unlocked, err := a.doors.AnyUnlocked(ctx)
	if err != nil {
		return "", err
	}
	return renderTitle(cfg.Status, unlocked), nil
}

// autoLockAction is the armed re-lock timer's action.
func (a *App) autoLockAction(ctx context.Context) error {
	start := time.Now()
	err := a.doors.SetEvacuation(ctx, false)
	a.audit(ctx, nil, "auto_lock", "", start, err)
	return err
}

// curfewAction is the nightly backstop lock.
func (a *App) curfewAction(ctx context.Context) {
	a.sched.Cancel()

	start := time.Now()
	if err := a.doors.SetEvacuation(ctx, false); err != nil {
		a.audit(ctx, nil, "curfew_lock", "", start, err)
		a.log.Error("curfew lock failed", logx.Err(err))
		_ = a.alerts.Notify(ctx, "Curfew lock failed", err.Error(), 5, "rotating_light")
		return
	}
	a.audit(ctx, nil, "curfew_lock", "", start, nil)
	a.announce(ctx, "🌙 Curfew: doors locked for the night")
	a.applyLabel(ctx, false)
}

func (a *App) onDoorStateChange(ctx context.Context, unlocked bool) {
	a.applyLabel(ctx, unlocked)
}

// onLongOpen pushes a reminder when the doors stay unlocked too long. The
// dedup store keeps one alert per open episode across restarts.
func (a *App) onLongOpen(ctx context.Context, since time.Time) {
	key := fmt.Sprintf("long-open:%d", since.Unix())
	if a.store != nil {
		if _, seen, err := a.store.GetDedup(ctx, key); err == nil && seen {
			return
		}
		_ = a.store.PutDedup(ctx, key, since.Add(24*time.Hour))
	}
	body := fmt.Sprintf("Doors have been unlocked since %s", a.formatLocal(since))
	_ = a.alerts.Notify(ctx, "Doors still open", body, 4, "unlock", "warning")
}
