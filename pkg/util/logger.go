package util

import (
	"log"
	"os"
)

type Logger struct {
	prefix string
	debug  bool
	*log.Logger
}

func NewLogger(p string) *Logger {
	return &Logger{prefix: p, Logger: log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)}
}

// WithDebug returns the same logger with Debugf enabled.
func (l *Logger) WithDebug(on bool) *Logger {
	l.debug = on
	return l
}

func (l *Logger) p() string {
	if l.prefix == "" {
		return ""
	}
	return "[" + l.prefix + "] "
}
func (l *Logger) Infof(f string, v ...any)  { l.Printf(l.p()+f, v...) }
func (l *Logger) Warnf(f string, v ...any)  { l.Printf(l.p()+"WARN: "+f, v...) }
func (l *Logger) Errorf(f string, v ...any) { l.Printf(l.p()+"ERROR: "+f, v...) }
func (l *Logger) Debugf(f string, v ...any) {
	if l.debug {
		l.Printf(l.p()+"DEBUG: "+f, v...)
	}
}
