package main

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/octungo/octun/mainloop"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// newLogger routes the session's leveled logging through pterm.
func newLogger(level mainloop.LogLevel) *mainloop.Logger {
	if level >= mainloop.LogLevelVerbose {
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	}
	log := &mainloop.Logger{
		Verbosef: mainloop.DiscardLogf,
		Infof:    mainloop.DiscardLogf,
		Errorf:   mainloop.DiscardLogf,
	}
	if level >= mainloop.LogLevelVerbose {
		log.Verbosef = func(format string, args ...any) {
			pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
		}
	}
	if level >= mainloop.LogLevelInfo {
		log.Infof = func(format string, args ...any) {
			pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
		}
	}
	if level >= mainloop.LogLevelError {
		log.Errorf = func(format string, args ...any) {
			pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
		}
	}
	return log
}
