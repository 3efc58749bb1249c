package logx

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"metrobot/internal/transport"
)

const defaultLogPath = "./metrobot.log"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig mirrors warnings and errors into an operator chat.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the process-wide log outputs. Apply rebuilds them; loggers
// already handed out pick up the new outputs on their next event.
type Service struct {
	root atomic.Pointer[zerolog.Logger]
	tg   *telegramSink

	mu   sync.Mutex
	file *os.File
}

// New applies cfg and returns the service with its root logger. sender may be
// nil and attached later with SetSender.
func New(cfg Config, sender transport.Adapter) (*Service, Logger) {
	s := &Service{tg: newTelegramSink(sender)}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{root: s.current} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetSender attaches the transport of the Telegram sink. The adapter needs a
// logger itself, so it is built after the service.
func (s *Service) SetSender(sender transport.Adapter) { s.tg.setSender(sender) }

// SetTelegramTarget points the Telegram sink at a chat. A zero threadID keeps
// the current thread.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) { s.tg.setTarget(chatID, threadID) }

// Apply swaps outputs and level. It is safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	if f := s.reopen(cfg.File); f != nil {
		outs = append(outs, zerolog.SyncWriter(f))
	}
	if s.tg.configure(cfg.Telegram) {
		outs = append(outs, s.tg)
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// reopen closes the current log file and opens the configured one. Errors go
// to stderr because the logger is what is being rebuilt.
func (s *Service) reopen(fc FileConfig) *os.File {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if !fc.Enabled {
		return nil
	}
	path := cmp.Or(strings.TrimSpace(fc.Path), defaultLogPath)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	s.file = f
	return f
}

// Close stops the Telegram sink and closes the log file.
func (s *Service) Close() error {
	s.tg.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// consoleWriter renders human-readable lines, with colour only on a terminal
// so journald and redirected output stay clean.
func consoleWriter(f *os.File) io.Writer {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return zerolog.ConsoleWriter{
		Out:        f,
		TimeFormat: timeFormat,
		NoColor:    !tty,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
