package bridge

// Logger is satisfied by logging.Logger; kept minimal to avoid dependency
// cycles.
type Logger interface {
	Printf(format string, v ...any)
	Debugf(format string, v ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Printf(string, ...any) {}
func (NopLogger) Debugf(string, ...any) {}

func orNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
