// Package applog provides leveled, component-tagged logging on top of
// logrus. Call shape mirrors rclone's fs.Debugf(what, format, args...):
// the first argument names the thing the message is about, the rest is
// a format string, so call sites read the same regardless of backend.
package applog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SetLevel adjusts the global log level (debug, info, warn, error).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	return nil
}

func entry(what interface{}) *logrus.Entry {
	return logrus.WithField("component", fmt.Sprint(what))
}

// Debugf logs a debug-level message tagged with what.
func Debugf(what interface{}, format string, args ...interface{}) {
	entry(what).Debugf(format, args...)
}

// Infof logs an info-level message tagged with what.
func Infof(what interface{}, format string, args ...interface{}) {
	entry(what).Infof(format, args...)
}

// Errorf logs an error-level message tagged with what.
func Errorf(what interface{}, format string, args ...interface{}) {
	entry(what).Errorf(format, args...)
}

// Logf logs at an explicit level, used by background loops that need to
// log-and-continue with a severity decided at the call site.
func Logf(level logrus.Level, what interface{}, format string, args ...interface{}) {
	entry(what).Logf(level, format, args...)
}
