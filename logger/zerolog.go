package logger

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger.
type ZerologLogger struct {
	l zerolog.Logger
}

func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{l: l}
}

func (z *ZerologLogger) Debug(msg string, keyvals ...any) { z.emit(z.l.Debug(), msg, keyvals) }

func (z *ZerologLogger) Info(msg string, keyvals ...any) { z.emit(z.l.Info(), msg, keyvals) }

func (z *ZerologLogger) Error(msg string, keyvals ...any) { z.emit(z.l.Error(), msg, keyvals) }

func (z *ZerologLogger) emit(ev *zerolog.Event, msg string, keyvals []any) {
	eachPair(keyvals, func(k string, v any) {
		switch vv := v.(type) {
		case string:
			ev = ev.Str(k, vv)
		case bool:
			ev = ev.Bool(k, vv)
		case int:
			ev = ev.Int(k, vv)
		case error:
			ev = ev.AnErr(k, vv)
		case fmt.Stringer:
			ev = ev.Stringer(k, vv)
		default:
			ev = ev.Interface(k, vv)
		}
	})
	ev.Msg(msg)
}
