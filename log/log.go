// Package log provides the leveled, colorized logger used throughout the
// translator core: a small set of level methods, structured key-value
// context, and a terminal handler that colorizes output when standard
// error is a TTY. Core packages log through here instead of fmt.Println
// so that one process-wide level (SetLevel) controls every subsystem
// uniformly; neither CLI binary exposes a flag for it.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a log severity level, ordered from most to least severe.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "???"
	}
}

var levelColor = map[Lvl]*color.Color{
	LvlCrit:  color.New(color.FgRed, color.Bold),
	LvlError: color.New(color.FgRed),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgMagenta),
}

// Logger emits leveled, structured log records with a fixed key-value
// context, so each component carries its own sub-logger
// (e.g. log.New("module", "tcache")).
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
}

var (
	mu       sync.Mutex
	verbo    = LvlInfo
	out      io.Writer = colorable.NewColorable(os.Stderr)
	useColor           = isatty.IsTerminal(os.Stderr.Fd())
)

// SetLevel sets the process-wide verbosity cutoff: records more severe than
// or equal to lvl (lower numeric value) are emitted.
func SetLevel(lvl Lvl) {
	mu.Lock()
	defer mu.Unlock()
	verbo = lvl
}

// SetOutput redirects where log records are written. Tests use this to
// capture output into a buffer.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

type logger struct {
	ctx []interface{}
}

// Root returns the process-wide root logger with no fixed context.
func Root() Logger { return &logger{} }

// New returns a logger whose records always carry the given extra
// key-value context, e.g. log.New("component", "tcache").
func New(ctx ...interface{}) Logger { return &logger{ctx: ctx} }

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{ctx: merged}
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }

// Crit logs at the highest severity, always including the call site, and
// terminates the process. Its callers are the cmd/ entry points and
// ukernel's trap dispatch; the translation core itself never calls it.
// Unrecoverable conditions inside the core panic instead, and nothing
// recovers those panics.
func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.write(LvlCrit, msg, ctx)
	os.Exit(1)
}

func (l *logger) write(lvl Lvl, msg string, extra []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl > verbo {
		return
	}

	var b strings.Builder
	ts := time.Now().Format("15:04:05.000")
	lvlStr := lvl.String()
	if useColor {
		if c, ok := levelColor[lvl]; ok {
			lvlStr = c.Sprintf("%-5s", lvl.String())
		}
	} else {
		lvlStr = fmt.Sprintf("%-5s", lvlStr)
	}
	fmt.Fprintf(&b, "%s %s %s", ts, lvlStr, msg)

	all := make([]interface{}, 0, len(l.ctx)+len(extra))
	all = append(all, l.ctx...)
	all = append(all, extra...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
	}
	if lvl <= LvlError {
		// Capture the call site three frames up (write -> Error/Crit -> caller).
		if call := callSite(3); call != "" {
			fmt.Fprintf(&b, " caller=%s", call)
		}
	}
	b.WriteByte('\n')
	io.WriteString(out, b.String())
}

func callSite(skip int) string {
	trace := stack.Trace().TrimRuntime()
	if len(trace) <= skip {
		return ""
	}
	return fmt.Sprintf("%+v", trace[skip])
}

// Package-level convenience wrappers over the root logger.
func Trace(msg string, ctx ...interface{}) { Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { Root().Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { Root().Crit(msg, ctx...) }
