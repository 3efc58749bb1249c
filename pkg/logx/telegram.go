package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"metrobot/internal/transport"
)

const (
	telegramQueueSize = 256
	telegramMaxText   = 3500
	telegramMaxValue  = 600
	telegramMaxStack  = 900
)

type telegramLine struct {
	to   transport.ChatTarget
	text string
}

// telegramSink is a zerolog.LevelWriter that mirrors lines at or above a
// minimum level into an operator chat. Writes never block: lines over the rate
// limit or beyond a full queue are dropped.
type telegramSink struct {
	queue chan telegramLine

	mu      sync.Mutex
	sender  transport.Adapter
	target  transport.ChatTarget
	min     zerolog.Level
	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

func newTelegramSink(sender transport.Adapter) *telegramSink {
	return &telegramSink{
		queue:   make(chan telegramLine, telegramQueueSize),
		sender:  sender,
		min:     zerolog.WarnLevel,
		limiter: rate.NewLimiter(1, 1),
	}
}

func (t *telegramSink) setSender(sender transport.Adapter) {
	t.mu.Lock()
	t.sender = sender
	t.mu.Unlock()
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.target.ChatID = chatID
	if threadID != 0 {
		t.target.ThreadID = threadID
	}
	t.mu.Unlock()
}

// configure applies cfg and reports whether the sink belongs in the output
// set. The delivery goroutine starts on first enable.
func (t *telegramSink) configure(cfg TelegramConfig) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(cfg.RatePerSec, 1)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ChatID != 0 {
		t.target.ChatID = cfg.ChatID
	}
	if cfg.ThreadID != 0 {
		t.target.ThreadID = cfg.ThreadID
	}
	if !cfg.Enabled {
		return false
	}
	if t.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel, t.done = cancel, make(chan struct{})
		go t.run(ctx, t.done)
	}
	if t.target.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but logging.telegram.chat_id is not set")
	}
	return true
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	opts := &transport.SendOptions{DisablePreview: true}
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-t.queue:
			t.mu.Lock()
			sender := t.sender
			t.mu.Unlock()
			if sender != nil {
				_, _ = sender.SendText(ctx, line.to, line.text, opts)
			}
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, min, lim, ready := t.target, t.min, t.limiter, t.sender != nil
	t.mu.Unlock()

	if !ready || to.ChatID == 0 || level < min || !lim.Allow() {
		return len(p), nil
	}
	if text := formatLogLine(p); text != "" {
		select {
		case t.queue <- telegramLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatLogLine turns a zerolog JSON line into "[LEVEL] message" followed by
// one "- key=value" line per field, sorted by key. Non-JSON input is passed
// through trimmed.
func formatLogLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), telegramMaxText)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	for _, k := range slices.Sorted(maps.Keys(m)) {
		switch k {
		case "time", "level", "message":
			continue
		case "stack":
			b.WriteString("\n- stack=\n" + clip(fmt.Sprint(m[k]), telegramMaxStack))
		default:
			b.WriteString("\n- " + k + "=" + clip(fmt.Sprint(m[k]), telegramMaxValue))
		}
	}
	return clip(b.String(), telegramMaxText)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
