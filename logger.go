package uws

// Logger is the logging surface used across the package. It matches the
// leveled, field-carrying loggers commonly found in services (zap's sugared
// logger, logrus) so either can be plugged in with a thin adapter.
type Logger interface {
	WithField(key string, value any) Logger
	Debug(args ...any)
	Debugf(format string, args ...any)
	Debugln(args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Infoln(args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Warnln(args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Errorln(args ...any)
}

type nopLogger struct{}

// NopLogger discards everything.
func NopLogger() Logger { return nopLogger{} }

func (n nopLogger) WithField(string, any) Logger { return n }
func (nopLogger) Debug(...any)                   {}
func (nopLogger) Debugf(string, ...any)          {}
func (nopLogger) Debugln(...any)                 {}
func (nopLogger) Info(...any)                    {}
func (nopLogger) Infof(string, ...any)           {}
func (nopLogger) Infoln(...any)                  {}
func (nopLogger) Warn(...any)                    {}
func (nopLogger) Warnf(string, ...any)           {}
func (nopLogger) Warnln(...any)                  {}
func (nopLogger) Error(...any)                   {}
func (nopLogger) Errorf(string, ...any)          {}
func (nopLogger) Errorln(...any)                 {}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}
