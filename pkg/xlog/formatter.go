package xlog

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"
)

// Formatter defines log-format (printer) interface.
type Formatter interface {
	// WriteFlush writes the log and flush it to disk.
	// This must be protected by mutex, outside.
	WriteFlush(pkg string, lvl LogLevel, txt string)
	Flush()
}

// SetFormatter sets the formatting function for all logs.
func SetFormatter(f Formatter) {
	xlogger.mu.Lock()
	xlogger.formatter = f
	xlogger.mu.Unlock()
}

type defaultFormatter struct {
	w *bufio.Writer
}

// NewDefaultFormatter returns a new formatter.
func NewDefaultFormatter(w io.Writer) Formatter {
	return &defaultFormatter{
		w: bufio.NewWriter(w),
	}
}

func (ft *defaultFormatter) WriteFlush(pkg string, lvl LogLevel, txt string) {
	ft.w.WriteString(time.Now().String()[:26])
	ft.w.WriteString(" " + lvl.String() + " | ")
	if pkg != "" {
		ft.w.WriteString(pkg + ": ")
	}
	ft.w.WriteString(txt)

	if !strings.HasSuffix(txt, "\n") {
		ft.w.WriteString("\n")
	}
	ft.w.Flush()
}

func (ft *defaultFormatter) Flush() {
	ft.w.Flush()
}

// discardFormatter drops everything; tests use it to silence packages.
type discardFormatter struct{}

// NewDiscardFormatter returns a formatter that discards all logs.
func NewDiscardFormatter() Formatter {
	return discardFormatter{}
}

func (discardFormatter) WriteFlush(pkg string, lvl LogLevel, txt string) {}

func (discardFormatter) Flush() {}

func init() {
	// by default, log-output to stderr
	SetFormatter(NewDefaultFormatter(os.Stderr))
}
