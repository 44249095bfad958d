// Package logging wraps zerolog behind the narrow Logger interface the core
// consumes (spec §6): info/error/debug/message/line. Keeping the interface
// narrow lets the core stay agnostic of the sink while every concrete
// implementation in this repo is zerolog-backed, matching the structured
// logging style the rest of the retrieved pack uses.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the narrow logging contract the protocol engine, dispatcher,
// and control plane depend on.
type Logger interface {
	Info(title string, fields ...any)
	Error(err error, fields ...any)
	Debug(message string, fields ...any)
	Message(json string) // wire-level protocol tracing
	Line(n int)           // console decoration; no-op for file sinks
}

// Format selects the console encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config controls the zerolog sink construction.
type Config struct {
	Level  string // zerolog level name: debug, info, warn, error
	Format Format
}

type zeroLogger struct {
	log    zerolog.Logger
	pretty bool
}

// New builds a Logger writing to stdout per cfg.
func New(cfg Config) Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	l := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &zeroLogger{log: l, pretty: cfg.Format == FormatPretty}
}

func (z *zeroLogger) Info(title string, fields ...any) {
	ev := z.log.Info()
	applyFields(ev, fields)
	ev.Msg(title)
}

func (z *zeroLogger) Error(err error, fields ...any) {
	ev := z.log.Error().Err(err)
	applyFields(ev, fields)
	ev.Msg("error")
}

func (z *zeroLogger) Debug(message string, fields ...any) {
	ev := z.log.Debug()
	applyFields(ev, fields)
	ev.Msg(message)
}

func (z *zeroLogger) Message(json string) {
	z.log.Trace().RawJSON("frame", []byte(json)).Msg("wire")
}

func (z *zeroLogger) Line(n int) {
	if z.pretty {
		for i := 0; i < n; i++ {
			os.Stdout.WriteString("\n")
		}
	}
}

// applyFields accepts alternating key/value pairs and attaches them to ev.
func applyFields(ev *zerolog.Event, fields []any) {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		ev.Interface(key, fields[i+1])
	}
}
