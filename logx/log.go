// Package logx is a small leveled logger used by the save driver. It
// writes logfmt-style key=value pairs and
// colors the level tag when the destination looks like a terminal,
// mirroring the go-ethereum dependency graph's use of fatih/color for
// console output.
package logx

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level is a log severity.
type Level int

// Levels, lowest to highest severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelTag = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

var levelColor = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

// Logger writes leveled, key=value formatted lines to an io.Writer. The
// zero value is not usable; construct with New.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	min    Level
	colors bool
}

// New returns a Logger writing to w at or above min severity. Coloring is
// enabled automatically when w is os.Stdout/os.Stderr and they are a
// terminal (color.NoColor, set by the fatih/color package, governs this).
func New(w io.Writer, min Level) *Logger {
	colors := !color.NoColor
	if w != os.Stdout && w != os.Stderr {
		colors = false
	}
	return &Logger{out: w, min: min, colors: colors}
}

// Fields holds a log line's key/value pairs; they are rendered in
// deterministic (sorted) order so log lines are diffable in tests.
type Fields map[string]interface{}

func (l *Logger) log(level Level, msg string, fields Fields) {
	if level < l.min {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tag := levelTag[level]
	if l.colors {
		tag = levelColor[level].Sprint(tag)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", time.Now().Format(time.RFC3339), tag, msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	b.WriteByte('\n')

	io.WriteString(l.out, b.String())
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(msg string, fields Fields) { l.log(LevelDebug, msg, fields) }

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, fields Fields) { l.log(LevelInfo, msg, fields) }

// Warn logs at LevelWarn.
func (l *Logger) Warn(msg string, fields Fields) { l.log(LevelWarn, msg, fields) }

// Error logs at LevelError.
func (l *Logger) Error(msg string, fields Fields) { l.log(LevelError, msg, fields) }

// Discard is a Logger that drops everything, useful in tests.
var Discard = New(io.Discard, LevelError+1)
