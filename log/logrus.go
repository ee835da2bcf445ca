package log

import "github.com/sirupsen/logrus"

// logrusLogger adapts a *logrus.Logger to the Logger interface, for
// production runs that want structured, hook-able logging instead of the
// bare stdLogger.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds a Logger backed by logrus. A nil logger uses
// logrus.StandardLogger().
func NewLogrusLogger(logger *logrus.Logger) Logger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &logrusLogger{entry: logrus.NewEntry(logger)}
}

// Log implements Logger, translating keyvals into logrus fields.
func (l *logrusLogger) Log(level Level, keyvals ...interface{}) error {
	fields := logrus.Fields{}
	var msg string
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		if key == "msg" {
			msg, _ = keyvals[i+1].(string)
			continue
		}
		if key == "" {
			key = "field"
		}
		fields[key] = keyvals[i+1]
	}
	entry := l.entry.WithFields(fields)
	switch level {
	case LevelDebug:
		entry.Debug(msg)
	case LevelInfo:
		entry.Info(msg)
	case LevelWarn:
		entry.Warn(msg)
	case LevelError:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
	return nil
}
