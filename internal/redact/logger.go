package redact

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger = newLogger(os.Stderr)

func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&formatter{inner: &logrus.TextFormatter{FullTimestamp: true}})
	return l
}

// formatter redacts the message and every string field before handing the
// entry to the wrapped formatter.
type formatter struct {
	inner logrus.Formatter
}

func (f *formatter) Format(e *logrus.Entry) ([]byte, error) {
	clean := *e
	clean.Message = String(e.Message)
	if len(e.Data) > 0 {
		clean.Data = make(logrus.Fields, len(e.Data))
		for k, v := range e.Data {
			switch val := v.(type) {
			case string:
				clean.Data[k] = String(val)
			case error:
				clean.Data[k] = String(val.Error())
			case fmt.Stringer:
				clean.Data[k] = String(val.String())
			default:
				clean.Data[k] = v
			}
		}
	}
	return f.inner.Format(&clean)
}

// Configure sets level ("debug", "info", ...) and format ("text" or
// "json"). Empty values keep the current setting.
func Configure(level, format string) error {
	if lvl := strings.TrimSpace(level); lvl != "" {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
		logger.SetLevel(parsed)
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "":
	case "text":
		logger.SetFormatter(&formatter{inner: &logrus.TextFormatter{FullTimestamp: true}})
	case "json":
		logger.SetFormatter(&formatter{inner: &logrus.JSONFormatter{}})
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", format)
	}
	return nil
}

// SetOutput redirects the process logger.
func SetOutput(w io.Writer) { logger.SetOutput(w) }

// Logger exposes the process logger for libraries that take one.
func Logger() *logrus.Logger { return logger }

// WithFields starts a structured, redacted entry.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// Logf prints a redacted info line.
func Logf(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Debugf prints a redacted debug line.
func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Warnf prints a redacted warning.
func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// Errorf prints a redacted error line.
func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// Fatalf prints a redacted fatal line and exits.
func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}
