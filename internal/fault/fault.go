// Package fault defines the error taxonomy shared by every stage of the
// counting pipeline.
//
// There are three kinds of failure:
//
//   - ErrIO: a file or directory could not be read, written, created or removed.
//     Always fatal to the stage that hit it.
//   - ErrParse: a numeric argument or a sidecar line could not be parsed. Fatal
//     on the command line, recoverable (skip and warn) inside a sidecar.
//   - ErrConfig: an invalid combination of options. Reported before any I/O.
//
// Errors produced here carry the path, operation and (when known) the line
// number, and unwrap to both the kind and the underlying cause. Callers can
// therefore ask errors.Is(err, fault.ErrIO) and errors.Is(err, fs.ErrNotExist)
// on the same value.
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrIO     = errors.New("io error")
	ErrParse  = errors.New("parse error")
	ErrConfig = errors.New("configuration error")
)

// Error is a classified failure with enough context to act on at the top level.
type Error struct {
	Kind error  // ErrIO, ErrParse or ErrConfig
	Op   string // e.g. "open", "create dir", "parse count"
	Path string
	Line int // 1-based, 0 when not applicable
	Err  error
}

func (e *Error) Error() string {
	loc := e.Path
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.Path, e.Line)
	}

	switch {
	case loc != "" && e.Err != nil:
		return fmt.Sprintf("%v: %s %s: %v", e.Kind, e.Op, loc, e.Err)
	case loc != "":
		return fmt.Sprintf("%v: %s %s", e.Kind, e.Op, loc)
	case e.Err != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%v: %s", e.Kind, e.Op)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IO wraps err as an ErrIO failure of op on path.
func IO(op, path string, err error) error {
	return &Error{Kind: ErrIO, Op: op, Path: path, Err: err}
}

// Parse wraps err as an ErrParse failure at path:line.
func Parse(op, path string, line int, err error) error {
	return &Error{Kind: ErrParse, Op: op, Path: path, Line: line, Err: err}
}

// Config reports an invalid option combination.
func Config(format string, args ...any) error {
	return &Error{Kind: ErrConfig, Op: fmt.Sprintf(format, args...)}
}
