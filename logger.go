package evhttp

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel orders log lines by ascending severity.
type LogLevel int32

// Log levels.
const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
	LogFatal
	LogAssert
)

// Logger receives one formatted log line together with the call site.
// When the server runs as a worker group the logger is shared by all
// workers and must be safe for concurrent use.
type Logger func(s *Server, level LogLevel, fn, file string, line int, msg string, opaque any)

// logf formats and forwards one line to the configured logger. The
// call site recorded is logf's direct caller.
func (s *Server) logf(level LogLevel, format string, args ...any) {
	if s == nil || s.logger == nil || level < s.loggerLevel {
		return
	}
	fn := "?"
	file := "?"
	line := 0
	if pc, f, l, ok := runtime.Caller(1); ok {
		file = filepath.Base(f)
		line = l
		if fp := runtime.FuncForPC(pc); fp != nil {
			fn = filepath.Base(fp.Name())
		}
	}
	s.logger(s, level, fn, file, line, fmt.Sprintf(format, args...), s.loggerOpaque)
}

var (
	simpleOnce sync.Once
	simpleLog  *logrus.Logger
)

func simpleLogger() *logrus.Logger {
	simpleOnce.Do(func() {
		simpleLog = logrus.New()
		simpleLog.SetOutput(os.Stdout)
		simpleLog.SetLevel(logrus.TraceLevel)
		simpleLog.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.ANSIC,
		})
	})
	return simpleLog
}

// SimpleLogger is a ready-made Logger that prints to stdout. Level
// filtering is expected to happen in the server before dispatch.
func SimpleLogger(s *Server, level LogLevel, fn, file string, line int, msg string, opaque any) {
	e := simpleLogger().WithFields(logrus.Fields{
		"func": fn,
		"src":  fmt.Sprintf("%s:%d", file, line),
	})
	switch level {
	case LogTrace:
		e.Trace(msg)
	case LogDebug:
		e.Debug(msg)
	case LogInfo:
		e.Info(msg)
	case LogWarn:
		e.Warn(msg)
	default:
		// logrus Fatal would os.Exit the host process.
		e.Error(msg)
	}
}
