package logger

import (
	"fmt"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the package-level oarkflow/log logger.
type PhusluLogger struct{}

func NewPhusluLogger() *PhusluLogger { return &PhusluLogger{} }

func (p *PhusluLogger) Debug(msg string, keyvals ...any) { write(phlog.Debug(), msg, keyvals) }

func (p *PhusluLogger) Info(msg string, keyvals ...any) { write(phlog.Info(), msg, keyvals) }

func (p *PhusluLogger) Error(msg string, keyvals ...any) { write(phlog.Error(), msg, keyvals) }

func write(b *phlog.Entry, msg string, keyvals []any) {
	eachPair(keyvals, func(k string, v any) {
		switch vv := v.(type) {
		case string:
			b = b.Str(k, vv)
		case bool:
			b = b.Bool(k, vv)
		case int:
			b = b.Int(k, vv)
		case error:
			b = b.Str(k, vv.Error())
		case fmt.Stringer:
			b = b.Str(k, vv.String())
		default:
			b = b.Any(k, vv)
		}
	})
	b.Msg(msg)
}
