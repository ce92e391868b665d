/*
MIT License

Copyright (c) 2019 Nicolas JUHEL

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package logger provides the structured, leveled logger used throughout
// the tunnel relay. It is a trimmed adaptation of the teacher's logger
// package: same Level enum and Fields-based structured logging, backed by
// github.com/sirupsen/logrus, but stripped of the hooks (syslog, gorm,
// hclog bridges) the relay has no use for. See DESIGN.md for the full
// list of dropped hooks and why.
package logger

import (
	"io"
	"os"
	"time"
)

// Fields are structured key/value pairs attached to a log entry, mirroring
// the teacher's logger/fields package.
type Fields map[string]interface{}

// Logger is the minimal leveled logger interface the relay depends on.
type Logger interface {
	SetLevel(lvl Level)
	GetLevel() Level
	Close() error

	Debug(message string, fields Fields)
	Info(message string, fields Fields)
	Warning(message string, fields Fields)
	Error(message string, fields Fields)
	Fatal(message string, fields Fields)
}

type lgr struct {
	back *logrusBackend
}

// New returns a Logger writing to out (os.Stdout, or an *os.File opened
// against log_file) at the given level. ISO-8601 timestamps and level/message
// formatting match spec sec. 6's "Logging" contract.
func New(out io.Writer, lvl Level) Logger {
	return &lgr{back: newLogrusBackend(out, lvl)}
}

// NewFromConfig opens logFile (or stdout for "-") and returns a Logger at
// the given level, matching the log_file/log_level configuration keys.
func NewFromConfig(logFile string, lvl Level) (Logger, error) {
	if logFile == "" || logFile == "-" {
		return New(os.Stdout, lvl), nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	return New(f, lvl), nil
}

func (l *lgr) SetLevel(lvl Level) { l.back.setLevel(lvl) }
func (l *lgr) GetLevel() Level    { return l.back.getLevel() }
func (l *lgr) Close() error       { return l.back.close() }

func (l *lgr) Debug(message string, fields Fields)   { l.back.log(DebugLevel, message, fields) }
func (l *lgr) Info(message string, fields Fields)    { l.back.log(InfoLevel, message, fields) }
func (l *lgr) Warning(message string, fields Fields) { l.back.log(WarnLevel, message, fields) }
func (l *lgr) Error(message string, fields Fields)   { l.back.log(ErrorLevel, message, fields) }
func (l *lgr) Fatal(message string, fields Fields)   { l.back.log(FatalLevel, message, fields) }

// clock is overridable in tests that need deterministic timestamps.
var clock = time.Now
