package logger

import (
	"fmt"

	"github.com/pion/logging"
)

// PionFactory routes pion library logs through a Logger.
// Trace messages are folded into DEBUG.
type PionFactory struct {
	Logger *Logger
}

// NewLogger implements logging.LoggerFactory.
func (f PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{module: "pion/" + scope, l: f.Logger}
}

type pionLogger struct {
	module string
	l      *Logger
}

func (p *pionLogger) emit(level LogLevel, msg string) {
	l := p.l
	if l == nil {
		l = defaultLogger
	}
	if l == nil {
		return
	}
	l.log(level, p.module, "%s", msg)
}

func (p *pionLogger) Trace(msg string) { p.emit(DEBUG, msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) {
	p.emit(DEBUG, fmt.Sprintf(format, args...))
}
func (p *pionLogger) Debug(msg string) { p.emit(DEBUG, msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) {
	p.emit(DEBUG, fmt.Sprintf(format, args...))
}
func (p *pionLogger) Info(msg string) { p.emit(INFO, msg) }
func (p *pionLogger) Infof(format string, args ...interface{}) {
	p.emit(INFO, fmt.Sprintf(format, args...))
}
func (p *pionLogger) Warn(msg string) { p.emit(WARN, msg) }
func (p *pionLogger) Warnf(format string, args ...interface{}) {
	p.emit(WARN, fmt.Sprintf(format, args...))
}
func (p *pionLogger) Error(msg string) { p.emit(ERROR, msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) {
	p.emit(ERROR, fmt.Sprintf(format, args...))
}
