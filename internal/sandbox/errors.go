package sandbox

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"scriptcage/internal/testrun"
)

// Kind classifies a run that did not complete.
type Kind string

const (
	KindSyntax     Kind = "syntax"
	KindUncaught   Kind = "uncaught"
	KindTimeout    Kind = "timeout"
	KindIncomplete Kind = "incomplete"
	KindInternal   Kind = "internal"
)

var (
	// ErrSyntax is returned when the script does not compile.
	ErrSyntax = errors.New("script syntax error")

	// ErrUncaught is returned when an exception escapes every test block.
	ErrUncaught = errors.New("uncaught script exception")

	// ErrTimeout is returned when the run exceeds its time limit or is
	// cancelled by the caller.
	ErrTimeout = errors.New("script execution timed out")

	// ErrIncomplete is returned when the script is left waiting on a promise
	// that nothing can settle any more.
	ErrIncomplete = errors.New("script did not finish")

	// ErrInternal is returned when the cage itself fails to set up or run.
	ErrInternal = errors.New("sandbox internal error")
)

var kindErrors = map[Kind]error{
	KindSyntax:     ErrSyntax,
	KindUncaught:   ErrUncaught,
	KindTimeout:    ErrTimeout,
	KindIncomplete: ErrIncomplete,
	KindInternal:   ErrInternal,
}

// SandboxError is the structured failure of a run. Line and Column point into
// the user script (1-based) when the fault has a known location. Tests holds
// whatever the collector recorded before the fault.
type SandboxError struct {
	Kind    Kind                  `json:"kind"`
	Message string                `json:"message"`
	Line    int                   `json:"line,omitempty"`
	Column  int                   `json:"column,omitempty"`
	Tests   []*testrun.Descriptor `json:"tests,omitempty"`
}

func (e *SandboxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d, column %d)", e.Kind, e.Message, e.Line, e.Column)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the sentinel for e.Kind to errors.Is.
func (e *SandboxError) Unwrap() error { return kindErrors[e.Kind] }

// scriptName is the file name compiled scripts carry in goja positions.
const scriptName = "script"

var (
	// "script: Line 3:14 Unexpected token ..." as produced by the parser.
	parseLocRe = regexp.MustCompile(`^(?:` + scriptName + `: )?Line (\d+):(\d+) (.*)$`)
	// "at fn (script:3:14(12))" frames in an Error's stack.
	stackLocRe = regexp.MustCompile(`\b` + scriptName + `:(\d+):(\d+)`)
)

// syntaxError converts a compile failure. lineOffset is the number of wrapper
// lines in front of the user script.
func syntaxError(err error, lineOffset int) *SandboxError {
	se := &SandboxError{Kind: KindSyntax, Message: err.Error()}

	var cse *goja.CompilerSyntaxError
	if errors.As(err, &cse) {
		se.Message = cse.Message
		if cse.File != nil {
			p := cse.File.Position(cse.Offset)
			se.Line, se.Column = p.Line, p.Column
		}
	}
	first := strings.SplitN(se.Message, "\n", 2)[0]
	if m := parseLocRe.FindStringSubmatch(first); m != nil {
		se.Line, _ = strconv.Atoi(m[1])
		se.Column, _ = strconv.Atoi(m[2])
		se.Message = "SyntaxError: " + m[3]
	}
	se.Line = shiftLine(se.Line, lineOffset)
	return se
}

// stackLocation extracts the first script position from an Error's stack.
func stackLocation(stack string, lineOffset int) (line, col int) {
	m := stackLocRe.FindStringSubmatch(stack)
	if m == nil {
		return 0, 0
	}
	line, _ = strconv.Atoi(m[1])
	col, _ = strconv.Atoi(m[2])
	return shiftLine(line, lineOffset), col
}

func shiftLine(line, offset int) int {
	if line <= offset {
		return 0
	}
	return line - offset
}
