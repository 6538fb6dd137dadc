package holistic

import (
	"io"
	"log"
	"sync/atomic"
)

var debugLogger atomic.Pointer[log.Logger]

// SetDebugLogger installs a debug logger that receives verbose per-frame
// diagnostics from every pipeline layer. Pass nil to disable debug logging.
func SetDebugLogger(w io.Writer) {
	if w == nil {
		debugLogger.Store(nil)
		return
	}
	debugLogger.Store(log.New(w, "", log.LstdFlags|log.Lmicroseconds))
}

// Debugf logs formatted debug messages when a debug logger is configured.
func Debugf(format string, args ...interface{}) {
	if l := debugLogger.Load(); l != nil {
		l.Printf(format, args...)
	}
}

// DebugEnabled reports whether a debug logger is installed, so callers can
// skip building expensive diagnostics.
func DebugEnabled() bool {
	return debugLogger.Load() != nil
}
