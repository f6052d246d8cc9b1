package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	timeFormat     = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile  = "./beat.log"
)

// Config selects level and sinks.
type Config struct {
	Level string
	// Format is "console" (default) or "json".
	Format string
	File   FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the process-wide backend and rebuilds it on Apply.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	cur atomic.Pointer[zerolog.Logger]
}

// New builds a Service from cfg and returns it with a Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	initGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) load() zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply replaces level and sinks. Loggers already handed out pick up the
// change on their next entry.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var file *os.File
	sinks := []io.Writer{os.Stdout}
	if !strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		sinks[0] = consoleSink(os.Stdout)
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			// Keep stdout logging; the file is optional.
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	zl := build(zerolog.MultiLevelWriter(sinks...), ParseLevel(cfg.Level, LevelInfo))
	s.cur.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	s.cfg = cfg
}

// Close releases the log file, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func build(w io.Writer, level Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

var globalsOnce sync.Once

func initGlobals() {
	globalsOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
	})
}

func consoleSink(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
