// Package telegram delivers announcements through the Telegram Bot API and
// answers a few read-only commands.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "metrobot/internal/runtime/supervisor"
	"metrobot/internal/transport"
	logx "metrobot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendOnly skips long polling; registered commands are never answered.
	SendOnly bool
}

// CommandFunc answers a command with HTML text.
type CommandFunc func(ctx context.Context, args string) (string, error)

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	cmdMu    sync.RWMutex
	commands map[string]CommandFunc
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		Client: &http.Client{Timeout: timeout + 10*time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "telegram")),
		bot:      b,
		commands: map[string]CommandFunc{},
	}
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// HandleCommand registers fn for "/name". Register before Start.
func (a *Adapter) HandleCommand(name string, fn CommandFunc) {
	name = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "/")
	if name == "" || fn == nil {
		return
	}
	a.cmdMu.Lock()
	a.commands[name] = fn
	a.cmdMu.Unlock()
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || !strings.HasPrefix(m.Text, "/") {
		return nil
	}
	name, args := parseCommand(m.Text)
	a.cmdMu.RLock()
	fn, ok := a.commands[name]
	a.cmdMu.RUnlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	reply, err := fn(ctx, args)
	if err != nil {
		a.log.Warn("command failed", logx.String("cmd", name), logx.Int64("chat", m.Chat.ID), logx.Err(err))
		reply = "⚠️ " + html(err.Error())
	}
	to := transport.ChatTarget{ChatID: m.Chat.ID, ThreadID: m.ThreadID}
	_, err = a.SendText(ctx, to, reply, &transport.SendOptions{ParseMode: tele.ModeHTML, DisablePreview: true})
	return err
}

func html(s string) string { return Esc(s).String() }

// parseCommand splits "/estado@metrobot l4" into ("estado", "l4").
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(strings.TrimPrefix(text, "/"))
	name, args, _ := strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(args)
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	if a.cfg.SendOnly {
		a.log.Info("send-only mode, polling disabled")
		return nil
	}

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Telebot's Start() blocks until Stop(); restart it if it returns early.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendMessage renders msg as HTML and sends it as text.
func (a *Adapter) SendMessage(ctx context.Context, to transport.ChatTarget, msg transport.Message, opt *transport.SendOptions) (transport.MessageRef, error) {
	o := transport.SendOptions{DisablePreview: true}
	if opt != nil {
		o = *opt
	}
	o.ParseMode = tele.ModeHTML
	return a.SendText(ctx, to, RenderMessage(msg).String(), &o)
}
