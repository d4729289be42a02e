package logger

import (
	"fmt"

	"github.com/pion/logging"
)

// PionFactory bridges the pion stack's logging.LoggerFactory onto our
// slog-backed Logger so ICE and DTLS internals share one log stream.
type PionFactory struct {
	Logger *Logger
}

// NewLogger implements logging.LoggerFactory
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLeveled{logger: f.Logger.With("pion_scope", scope)}
}

type pionLeveled struct {
	logger *Logger
}

func (p *pionLeveled) Trace(msg string) { p.logger.Debug(msg) }
func (p *pionLeveled) Tracef(format string, args ...any) {
	p.logger.Debug(fmt.Sprintf(format, args...))
}
func (p *pionLeveled) Debug(msg string) { p.logger.Debug(msg) }
func (p *pionLeveled) Debugf(format string, args ...any) {
	p.logger.Debug(fmt.Sprintf(format, args...))
}
func (p *pionLeveled) Info(msg string) { p.logger.Info(msg) }
func (p *pionLeveled) Infof(format string, args ...any) {
	p.logger.Info(fmt.Sprintf(format, args...))
}
func (p *pionLeveled) Warn(msg string) { p.logger.Warn(msg) }
func (p *pionLeveled) Warnf(format string, args ...any) {
	p.logger.Warn(fmt.Sprintf(format, args...))
}
func (p *pionLeveled) Error(msg string) { p.logger.Error(msg) }
func (p *pionLeveled) Errorf(format string, args ...any) {
	p.logger.Error(fmt.Sprintf(format, args...))
}
