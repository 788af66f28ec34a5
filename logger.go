package meek

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Logger absorbs the transport's diagnostics. The core never writes to a
// global stream. logrus.FieldLogger satisfies Logger, so hosts may inject
// their own logger or entry directly.
//
// Nothing logged includes payload bytes or cookie values.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

var _ Logger = (logrus.FieldLogger)(nil)

// NewLogger returns a logrus-backed Logger writing to w at the given level
// ("debug", "info", "warn", ...). An empty level means logrus's default.
func NewLogger(w io.Writer, level string) (Logger, error) {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		logger.SetLevel(parsed)
	}
	return logger, nil
}

// nopLogger discards everything; the default when no Logger is configured.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}
