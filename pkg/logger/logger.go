package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pageview/pkg/env"
	"pageview/pkg/paths"
)

var Log = slog.New(slog.NewTextHandler(io.Discard, nil))

const timeLayout = "2006-01-02T15:04:05.000-07:00"

var (
	history    []string
	historyMu  sync.RWMutex
	maxHistory = 500

	logFile   *os.File
	logFileMu sync.Mutex

	logLocation *time.Location
	locationMu  sync.RWMutex

	broadcastMu sync.RWMutex
	broadcastCh chan<- string

	level = new(slog.LevelVar)
)

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to a slog level. Unknown values map to INFO.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetBroadcast installs a channel that receives every formatted log line.
// Sends never block; lines are dropped when the channel is full.
func SetBroadcast(ch chan<- string) {
	broadcastMu.Lock()
	broadcastCh = ch
	broadcastMu.Unlock()
}

// Init initializes the global logger writing to stdout and to a per-day file in the data dir.
func Init(levelStr string) {
	level.Set(ParseLevel(levelStr))

	tzEnv := env.TZ()
	loc := time.Local
	if tzEnv != "" {
		if loaded, err := time.LoadLocation(tzEnv); err == nil {
			loc = loaded
		}
	}
	locationMu.Lock()
	logLocation = loc
	locationMu.Unlock()

	openLogFile(paths.GetDataDir(), loc)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().In(loc).Format(timeLayout))
			}
			return a
		},
	}

	Log = slog.New(&fanoutHandler{Handler: slog.NewTextHandler(os.Stdout, opts)})
	slog.SetDefault(Log)

	Log.Debug("Logger initialized", "level", level.Level().String(), "timezone", loc.String())
}

func openLogFile(dataDir string, loc *time.Location) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		return
	}
	name := fmt.Sprintf("pageview-%s.log", time.Now().In(loc).Format("2006-01-02"))
	path := filepath.Join(dataDir, name)

	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil && logFile.Name() == path {
		return
	}
	if logFile != nil {
		logFile.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", path, err)
		logFile = nil
		return
	}
	logFile = f
}

// fanoutHandler writes to the wrapped handler and also keeps history, the log file and the broadcast channel fed.
type fanoutHandler struct {
	slog.Handler
	attrs []slog.Attr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &fanoutHandler{Handler: h.Handler.WithAttrs(attrs), attrs: merged}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	return &fanoutHandler{Handler: h.Handler.WithGroup(name), attrs: h.attrs}
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	locationMu.RLock()
	loc := logLocation
	locationMu.RUnlock()
	if loc == nil {
		loc = time.Local
	}

	var b strings.Builder
	fmt.Fprintf(&b, "time=%s level=%s msg=%q", r.Time.In(loc).Format(timeLayout), r.Level, r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	line := b.String()

	historyMu.Lock()
	if len(history) >= maxHistory {
		history = history[1:]
	}
	history = append(history, line)
	historyMu.Unlock()

	err := h.Handler.Handle(ctx, r)

	logFileMu.Lock()
	if logFile != nil {
		fmt.Fprintln(logFile, line)
	}
	logFileMu.Unlock()

	broadcastMu.RLock()
	ch := broadcastCh
	broadcastMu.RUnlock()
	if ch != nil {
		select {
		case ch <- line:
		default:
		}
	}
	return err
}

// GetHistory returns a copy of the most recent log lines.
func GetHistory() []string {
	historyMu.RLock()
	defer historyMu.RUnlock()
	cp := make([]string, len(history))
	copy(cp, history)
	return cp
}

// SetLevel changes the level at runtime without reopening the log file.
func SetLevel(levelStr string) {
	level.Set(ParseLevel(levelStr))
}

// Close closes the log file if one is open
func Close() {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}

func Fatal(msg string, args ...any) {
	Log.Error(msg, args...)
	os.Exit(1)
}
