package logger

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// logrusBackend is the concrete implementation behind Logger, grounded on
// the teacher's logger/hookstdout and logger/hookfile: a single
// io.Writer-backed logrus.Logger with an ISO-8601 timestamp formatter and
// a mutex guarding the recorded level so SetLevel/GetLevel agree.
type logrusBackend struct {
	mu  sync.RWMutex
	lvl Level
	lg  *logrus.Logger
	out io.Writer
}

func newLogrusBackend(out io.Writer, lvl Level) *logrusBackend {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl.logrus())
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})

	return &logrusBackend{lvl: lvl, lg: l, out: out}
}

func (b *logrusBackend) setLevel(lvl Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lvl = lvl
	b.lg.SetLevel(lvl.logrus())
}

func (b *logrusBackend) getLevel() Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lvl
}

func (b *logrusBackend) close() error {
	if c, ok := b.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *logrusBackend) log(lvl Level, message string, fields Fields) {
	e := b.lg.WithFields(logrus.Fields(fields))

	switch lvl {
	case PanicLevel:
		e.Panic(message)
	case FatalLevel:
		e.Error(message) // never os.Exit from a library call; caller decides
	case ErrorLevel:
		e.Error(message)
	case WarnLevel:
		e.Warn(message)
	case DebugLevel:
		e.Debug(message)
	default:
		e.Info(message)
	}
}
