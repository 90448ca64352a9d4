package logger

import (
	"fmt"

	phlog "github.com/oarkflow/log"
)

// Logger is the key/value logging surface the engine writes decisions to.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// Phuslu logs through the phuslu-style structured logger.
type Phuslu struct{}

func NewPhuslu() *Phuslu { return &Phuslu{} }

func (*Phuslu) Debug(msg string, keyvals ...any) { emit(phlog.Debug(), msg, keyvals) }
func (*Phuslu) Info(msg string, keyvals ...any)  { emit(phlog.Info(), msg, keyvals) }
func (*Phuslu) Error(msg string, keyvals ...any) { emit(phlog.Error(), msg, keyvals) }

func emit(e *phlog.Entry, msg string, keyvals []any) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		switch v := keyvals[i+1].(type) {
		case string:
			e = e.Str(key, v)
		case bool:
			e = e.Bool(key, v)
		case int:
			e = e.Int(key, v)
		default:
			e = e.Any(key, v)
		}
	}
	e.Msg(msg)
}

// Null discards everything; useful in tests.
type Null struct{}

func NewNull() *Null { return &Null{} }

func (*Null) Debug(string, ...any) {}
func (*Null) Info(string, ...any)  {}
func (*Null) Error(string, ...any) {}
