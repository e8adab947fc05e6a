// Package logging implements the structured logger: six levels, JSON/text
// output, context-bound fields, and _secret_-prefix redaction of extras.
// Built on log/slog, the same as the teacher's own logging package.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Level is one of the six recognized severities.
type Level int

// Recognized levels, matching the numeric scale in the component design.
const (
	LevelTrace Level = 0
	LevelDebug Level = 10
	LevelInfo  Level = 20
	LevelWarn  Level = 30
	LevelError Level = 40
	LevelFatal Level = 50
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel maps our six-level scale onto slog's four-level scale; trace
// and fatal fold into debug/error respectively since slog has no native
// equivalents.
func (l Level) toSlogLevel() slog.Level {
	switch {
	case l <= LevelDebug:
		return slog.LevelDebug
	case l <= LevelInfo:
		return slog.LevelInfo
	case l <= LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Format selects the output encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatText
)

const secretKeyPrefix = "_secret_"
const redactedMask = "***REDACTED***"

// Logger is a leveled, formatted, field-bound structured logger wrapping a
// slog.Logger. Output comes from slog's stock JSON and text handlers: each
// record carries slog's own time, level and msg keys, then logger,
// timestamp, any bound fields (trace_id, module_id, caller_id when bound
// via FromContext) and extra. The text format is slog's key=value line,
// not a bracketed "[LEVEL] [trace=…] [module=…]" layout, and the level
// shown is slog's, so trace records print as DEBUG and fatal as ERROR.
type Logger struct {
	level  Level
	name   string
	fields map[string]any
	slog   *slog.Logger
	now    func() time.Time
}

// New constructs a Logger writing to out at the given minimum level and
// format. name identifies the logger (e.g. package or component name).
func New(out io.Writer, level Level, format Format, name string) *Logger {
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: level.toSlogLevel()}
	var handler slog.Handler
	if format == FormatText {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return &Logger{
		level:  level,
		name:   name,
		fields: map[string]any{},
		slog:   slog.New(handler),
		now:    time.Now,
	}
}

// With returns a derived Logger carrying additional bound fields (e.g.
// trace_id/module_id/caller_id from FromContext).
func (l *Logger) With(fields map[string]any) *Logger {
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{level: l.level, name: l.name, fields: merged, slog: l.slog, now: l.now}
}

func (l *Logger) log(level Level, msg string, extra map[string]any) {
	if level < l.level {
		return
	}
	redacted := redactExtras(extra)

	args := make([]any, 0, 2*(len(l.fields)+2))
	args = append(args, "logger", l.name, "timestamp", l.now().UTC().Format(time.RFC3339Nano))
	for k, v := range l.fields {
		args = append(args, k, v)
	}
	if len(redacted) > 0 {
		args = append(args, "extra", redacted)
	}
	l.slog.LogAttrs(context.Background(), level.toSlogLevel(), msg, toAttrs(args)...)
}

func toAttrs(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		attrs = append(attrs, slog.Any(key, kv[i+1]))
	}
	return attrs
}

// Trace/Debug/Info/Warn/Error/Fatal log at their respective levels.
func (l *Logger) Trace(msg string, extra map[string]any) { l.log(LevelTrace, msg, extra) }
func (l *Logger) Debug(msg string, extra map[string]any) { l.log(LevelDebug, msg, extra) }
func (l *Logger) Info(msg string, extra map[string]any)  { l.log(LevelInfo, msg, extra) }
func (l *Logger) Warn(msg string, extra map[string]any)  { l.log(LevelWarn, msg, extra) }
func (l *Logger) Error(msg string, extra map[string]any) { l.log(LevelError, msg, extra) }
func (l *Logger) Fatal(msg string, extra map[string]any) { l.log(LevelFatal, msg, extra) }

// redactExtras replaces the value of any key beginning with "_secret_"
// with "***REDACTED***". Never mutates the input.
func redactExtras(extra map[string]any) map[string]any {
	if extra == nil {
		return nil
	}
	out := make(map[string]any, len(extra))
	for k, v := range extra {
		if strings.HasPrefix(k, secretKeyPrefix) {
			out[k] = redactedMask
			continue
		}
		out[k] = v
	}
	return out
}

// contextData is the minimal shape FromContext needs; satisfied by
// *apctx.Context.
type contextData interface {
	TraceOf() string
	LastModule() string
	CallerIDOrEmpty() string
}

// FromContext binds trace_id, module_id, and caller_id from ctx onto a
// derived Logger.
func FromContext(ctx contextData, l *Logger) *Logger {
	return l.With(map[string]any{
		"trace_id":  ctx.TraceOf(),
		"module_id": ctx.LastModule(),
		"caller_id": ctx.CallerIDOrEmpty(),
	})
}
