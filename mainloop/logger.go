package mainloop

// A Logger provides leveled logging for the session and its handlers.
// The functions may be nil-safe'd via NewLogger or set individually;
// callers inject whatever backend they like (the CLI uses pterm).
type Logger struct {
	Verbosef func(format string, args ...any)
	Infof    func(format string, args ...any)
	Errorf   func(format string, args ...any)
}

// LogLevel controls which Logger functions DiscardLogf is substituted for.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelVerbose
)

// DiscardLogf discards its arguments.
func DiscardLogf(format string, args ...any) {}

// NewLogger builds a Logger from a single sink, silencing levels above the
// given one.
func NewLogger(level LogLevel, logf func(format string, args ...any)) *Logger {
	log := &Logger{
		Verbosef: DiscardLogf,
		Infof:    DiscardLogf,
		Errorf:   DiscardLogf,
	}
	if level >= LogLevelVerbose {
		log.Verbosef = logf
	}
	if level >= LogLevelInfo {
		log.Infof = logf
	}
	if level >= LogLevelError {
		log.Errorf = logf
	}
	return log
}
