package smali

import (
	"fmt"

	"github.com/pkg/errors"
)

// ParseError names the source line the preprocessor choked on.
type ParseError struct {
	Line  int
	Text  string
	cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d: %s: %v", e.Line, e.Text, e.cause)
}

func (e *ParseError) Unwrap() error { return e.cause }

func newParseError(line int, text string, cause error) error {
	return &ParseError{Line: line, Text: text, cause: errors.WithStack(cause)}
}

// ExecError wraps a handler failure that isn't an EmulatedException with the
// line that produced it.
type ExecError struct {
	Line  int
	Text  string
	cause error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execution error at line %d: %s: %v", e.Line, e.Text, e.cause)
}

func (e *ExecError) Unwrap() error { return e.cause }

func newExecError(line int, text string, cause error) error {
	return &ExecError{Line: line, Text: text, cause: errors.WithStack(cause)}
}

// UnknownOpcodeError is fatal: a non-blank, non-directive line matched no
// registered mnemonic.
type UnknownOpcodeError struct {
	Line int
	Text string
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown opcode at line %d: %q", e.Line, e.Text)
}

// UnsupportedVariantError is fatal: a recognized mnemonic with an unhandled
// suffix, e.g. int-to-double. The Executor wraps it in an ExecError carrying
// the offending line.
type UnsupportedVariantError struct {
	Mnemonic string
	Variant  string
}

func (e *UnsupportedVariantError) Error() string {
	return fmt.Sprintf("unsupported variant %q of %s", e.Variant, e.Mnemonic)
}

// MissingBuiltinError is fatal: invoke-* targets an unregistered routine.
type MissingBuiltinError struct {
	Class  string
	Method string
}

func (e *MissingBuiltinError) Error() string {
	return fmt.Sprintf("no built-in registered for %s->%s", e.Class, e.Method)
}

// EmulatedException carries a thrown Java-shaped exception (division by
// zero, array out-of-bounds, explicit throw) through the exception stack.
// It becomes a real Go error only when it escapes every active catch block.
type EmulatedException struct {
	Type    string // fully-qualified, e.g. Ljava/lang/ArithmeticException;
	Message string
}

func (e *EmulatedException) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func newArithmeticException() *EmulatedException {
	return &EmulatedException{Type: "Ljava/lang/ArithmeticException;", Message: "divide by zero"}
}

func newArrayIndexException(idx int, length int) *EmulatedException {
	return &EmulatedException{
		Type:    "Ljava/lang/ArrayIndexOutOfBoundsException;",
		Message: fmt.Sprintf("length=%d; index=%d", length, idx),
	}
}
