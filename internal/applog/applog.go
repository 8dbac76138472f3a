// Package applog wraps logrus with the small set of fields the updater
// attaches to every diagnostic line: which app, which tag, which pipeline
// stage. It exists so the orchestrator never touches logrus directly.
package applog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the subset of *logrus.Entry the rest of the codebase depends on.
type Logger struct {
	entry *logrus.Entry
}

// Options configures the root logger.
type Options struct {
	Verbose bool
	JSON    bool
	Output  io.Writer
}

// New builds a root Logger with the given app name already attached.
func New(app string, opts Options) *Logger {
	base := logrus.New()
	if opts.Output != nil {
		base.SetOutput(opts.Output)
	} else {
		base.SetOutput(os.Stderr)
	}
	if opts.JSON {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: false})
	}
	level := logrus.InfoLevel
	if opts.Verbose {
		level = logrus.DebugLevel
	}
	base.SetLevel(level)
	return &Logger{entry: base.WithField("app", app)}
}

// With returns a child Logger with additional fields attached (e.g. tag, stage).
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
