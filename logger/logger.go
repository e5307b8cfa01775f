package logger

import "fmt"

// Logger is the structured logging interface used across propauthz.
// Arguments after msg are alternating key/value pairs.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation ID for each decision.
type TraceIDFunc func() string // It should be cheap and safe for concurrent calls.

// eachPair walks keyvals two at a time; a trailing odd key is dropped.
func eachPair(keyvals []any, fn func(key string, value any)) {
	for i := 0; i < len(keyvals)-1; i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			k = fmt.Sprint(keyvals[i])
		}
		fn(k, keyvals[i+1])
	}
}
