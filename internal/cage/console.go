package cage

import (
	"strings"
	"time"

	"github.com/dop251/goja"
)

// ConsoleEntry is one captured console call.
type ConsoleEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Console collects console output of a run.
type Console struct {
	Entries []ConsoleEntry
}

func newConsole() *Console {
	return &Console{Entries: []ConsoleEntry{}}
}

var consoleLevels = []string{"log", "info", "warn", "error", "debug"}

// InstallConsole exposes console.* writing into h.Console and mirroring to the
// logger at debug level.
func (h *Host) InstallConsole() error {
	console := h.VM.NewObject()
	for _, level := range consoleLevels {
		lvl := level
		if err := console.Set(lvl, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = h.formatConsoleArg(a)
			}
			msg := strings.Join(parts, " ")
			h.Console.Entries = append(h.Console.Entries, ConsoleEntry{
				Level:     lvl,
				Message:   msg,
				Timestamp: time.Now(),
			})
			h.Log.Debug().Str("level", lvl).Msg(msg)
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	return h.VM.Set("console", console)
}

func (h *Host) formatConsoleArg(v goja.Value) string {
	switch TypeOf(v) {
	case "string":
		return v.String()
	case "undefined", "function", "symbol":
		return v.String()
	}
	if IsErrorObject(v) {
		return h.ErrorMessage(v)
	}
	if obj, ok := v.(*goja.Object); ok {
		if b, err := obj.MarshalJSON(); err == nil {
			return string(b)
		}
	}
	return v.String()
}
