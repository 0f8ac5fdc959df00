// Package logging provides the structured logger shared by every ctsentry
// component. Components accept a *Logger (or its embedded *logrus.Logger)
// rather than reaching for a package-level global, so tests can inject a
// silent instance.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level         string `json:"level" yaml:"level"`
	Format        string `json:"format" yaml:"format"`
	Output        string `json:"output" yaml:"output"`
	FileLocation  string `json:"file_location" yaml:"file_location"`
	MaxSize       int    `json:"max_size" yaml:"max_size"`
	MaxBackups    int    `json:"max_backups" yaml:"max_backups"`
	MaxAge        int    `json:"max_age" yaml:"max_age"`
	Compress      bool   `json:"compress" yaml:"compress"`
	EnableConsole bool   `json:"enable_console" yaml:"enable_console"`
}

type Logger struct {
	*logrus.Logger
	config   Config
	mu       sync.RWMutex
	fileSink io.WriteCloser
	hostname string
}

func New(config Config) (*Logger, error) {
	l := &Logger{
		Logger:   logrus.New(),
		config:   normalize(config),
		hostname: hostname(),
	}

	level, err := logrus.ParseLevel(l.config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch l.config.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "severity",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "caller",
			},
		})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
			DisableColors:   true,
		})
	}

	if err := l.setOutput(); err != nil {
		return nil, err
	}

	l.AddHook(&callerHook{})
	l.AddHook(&serviceHook{Service: "ctsentry", Hostname: l.hostname})

	return l, nil
}

func normalize(c Config) Config {
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	if c.Level == "" {
		c.Level = "info"
	}
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		c.Format = "json"
	}
	c.Output = strings.ToLower(strings.TrimSpace(c.Output))
	if c.Output == "" {
		if c.EnableConsole {
			c.Output = "both"
		} else {
			c.Output = "console"
		}
	}
	return c
}

func (l *Logger) setOutput() error {
	var writers []io.Writer

	wantConsole := l.config.Output == "console" || l.config.Output == "both"
	wantFile := l.config.Output == "file" || l.config.Output == "both"

	if wantFile && l.config.FileLocation != "" {
		if err := os.MkdirAll(filepath.Dir(l.config.FileLocation), 0o755); err != nil {
			return err
		}
		lj := &lumberjack.Logger{
			Filename:   l.config.FileLocation,
			MaxSize:    maxInt(1, l.config.MaxSize),
			MaxBackups: maxInt(0, l.config.MaxBackups),
			MaxAge:     maxInt(0, l.config.MaxAge),
			Compress:   l.config.Compress,
		}
		l.fileSink = lj
		writers = append(writers, lj)
	}

	if wantConsole || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	l.SetOutput(io.MultiWriter(writers...))
	return nil
}

func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lj, ok := l.fileSink.(*lumberjack.Logger); ok {
		return lj.Rotate()
	}
	return nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if closer, ok := l.fileSink.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.WithField("component", component)
}

type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["caller"]; ok {
		return nil
	}
	const maxDepth = 25
	for i := 4; i < 4+maxDepth; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		fnName := ""
		if fn != nil {
			fnName = fn.Name()
		}
		if strings.Contains(file, "/sirupsen/logrus") || strings.Contains(file, "/pkg/logging/logger.go") {
			continue
		}
		entry.Data["caller"] = map[string]interface{}{
			"file": file,
			"line": line,
			"func": shortFunc(fnName),
		}
		break
	}
	return nil
}

func shortFunc(full string) string {
	if idx := strings.LastIndex(full, "/"); idx >= 0 && idx+1 < len(full) {
		full = full[idx+1:]
	}
	return full
}

type serviceHook struct {
	Service  string
	Hostname string
}

func (h *serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *serviceHook) Fire(entry *logrus.Entry) error {
	entry.Data["service"] = h.Service
	entry.Data["hostname"] = h.Hostname
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

// Discard returns a logger that writes nowhere, for use in tests.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{Logger: l, hostname: "test"}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
