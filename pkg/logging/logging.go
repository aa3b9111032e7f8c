package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rexliu/fedichess/pkg/config"
)

// Level orders log severities.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config level name to a Level.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// Logger wraps the standard log.Logger with a minimum level.
type Logger struct {
	*log.Logger
	level atomic.Int32
	file  io.Closer
}

// New returns an info-level logger writing to stderr, leaving stdout to
// command output.
func New(prefix string) *Logger {
	return NewWriter(os.Stderr, prefix)
}

// NewWriter returns an info-level logger writing to w.
func NewWriter(w io.Writer, prefix string) *Logger {
	l := &Logger{Logger: log.New(w, prefix+" ", log.LstdFlags|log.Lmsgprefix)}
	l.level.Store(int32(LevelInfo))
	return l
}

// Configure applies logging settings from config.
func (l *Logger) Configure(cfg config.LoggingConfig) error {
	if l == nil || l.Logger == nil {
		return nil
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
			return err
		}
		writer, err := newRollingFile(cfg.FilePath, cfg.FileMaxSize, cfg.FileBackups)
		if err != nil {
			return err
		}
		l.file = writer
		l.SetOutput(io.MultiWriter(l.Writer(), writer))
	}
	return nil
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level Level) bool { return int32(level) >= l.level.Load() }

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) logf(level Level, format string, v ...any) {
	if l == nil || l.Logger == nil || !l.Enabled(level) {
		return
	}
	_ = l.Output(3, level.String()+" "+fmt.Sprintf(format, v...))
}

func (l *Logger) Debugf(format string, v ...any) { l.logf(LevelDebug, format, v...) }
func (l *Logger) Infof(format string, v ...any)  { l.logf(LevelInfo, format, v...) }
func (l *Logger) Warnf(format string, v ...any)  { l.logf(LevelWarn, format, v...) }

// Printf logs at info level.
func (l *Logger) Printf(format string, v ...any) { l.logf(LevelInfo, format, v...) }

// Println logs at info level.
func (l *Logger) Println(v ...any) { l.logf(LevelInfo, "%s", strings.TrimSuffix(fmt.Sprintln(v...), "\n")) }

type rollingFile struct {
	mu      sync.Mutex
	path    string
	max     int
	backups int
	file    *os.File
}

func newRollingFile(path string, maxMB, backups int) (*rollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	if backups <= 0 {
		backups = 1
	}
	return &rollingFile{path: path, max: maxMB, backups: backups, file: f}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 {
		if info, err := r.file.Stat(); err == nil && info.Size()+int64(len(p)) > int64(r.max)*1024*1024 {
			if err := r.rotate(); err != nil {
				return 0, err
			}
		}
	}
	return r.file.Write(p)
}

// rotate shifts path.N to path.N+1, dropping the oldest, and reopens path.
func (r *rollingFile) rotate() error {
	r.file.Close()
	os.Remove(fmt.Sprintf("%s.%d", r.path, r.backups))
	for i := r.backups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", r.path, i), fmt.Sprintf("%s.%d", r.path, i+1))
	}
	os.Rename(r.path, r.path+".1")
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	r.file = f
	return nil
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
