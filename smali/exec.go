package smali

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Executor drives the fetch-match-dispatch loop over a Program and a VM.
// It is disposable: one Executor per run, discarded after Run returns.
type Executor struct {
	prog *Program
	vm   *VM
	log  zerolog.Logger
}

// NewExecutor pairs an immutable Program with a VM seeded by the caller,
// positioning pc at the start of Program.Entry. Logging defaults to
// zerolog.Nop(); callers opt into trace output with WithLogger.
func NewExecutor(prog *Program, vm *VM) *Executor {
	if prog.Entry != nil {
		vm.pc = prog.Entry.StartLine
	}
	return &Executor{prog: prog, vm: vm, log: zerolog.Nop()}
}

func (ex *Executor) WithLogger(l zerolog.Logger) *Executor {
	ex.log = l
	return ex
}

// Run executes until a return* opcode stops the VM, the program runs off
// its last line, or an unhandled error surfaces. Normal termination, with
// or without a return value, is nil.
func (ex *Executor) Run() error {
	for {
		if ex.vm.stop {
			return nil
		}
		if ex.vm.pc >= len(ex.prog.Lines) {
			return nil
		}
		if ex.prog.Entry != nil && ex.prog.Entry.EndLine > 0 && ex.vm.pc >= ex.prog.Entry.EndLine {
			return nil
		}
		if ex.prog.skippable(ex.vm.pc) {
			ex.vm.pc++
			continue
		}

		if ex.vm.pending != nil {
			cb, ok := ex.prog.activeCatch(ex.vm.pc, ex.vm.pending.Type)
			if !ok {
				return ex.vm.pending
			}
			target, ok := ex.prog.Label(cb.HandlerLabel)
			if !ok {
				return errors.Errorf("catch handler label %q is unresolved", cb.HandlerLabel)
			}
			ex.log.Trace().Str("exception", ex.vm.pending.Type).Str("handler", cb.HandlerLabel).Msg("routing exception to catch")
			ex.vm.route()
			ex.vm.pc = target
			continue
		}

		line := ex.prog.Lines[ex.vm.pc]
		mnemonic, operandText := splitMnemonic(line.Text)
		handler, ok := lookupOpcode(mnemonic)
		if !ok {
			return &UnknownOpcodeError{Line: line.Index, Text: line.Text}
		}

		ex.log.Trace().Int("line", line.Index).Str("text", line.Text).Msg("dispatch")

		prevPC := ex.vm.pc
		if err := handler(ex, operandText); err != nil {
			var exc *EmulatedException
			if errors.As(err, &exc) {
				ex.vm.raise(exc)
				continue
			}
			return newExecError(line.Index, line.Text, err)
		}
		if ex.vm.stop {
			// pc stays at the executed return*.
			return nil
		}
		if ex.vm.pc == prevPC {
			ex.vm.pc++
		}
	}
}

// splitMnemonic separates the leading mnemonic token from its operand text.
// The mnemonic is lexed once and dispatched by exact match, never by scanning
// every handler's pattern against the whole line.
func splitMnemonic(text string) (string, string) {
	i := strings.IndexAny(text, " \t")
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i+1:])
}

// splitOperands splits a comma-separated operand list, respecting quoted
// strings so a const-string literal containing a comma isn't torn apart.
func splitOperands(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '"' && (i == 0 || text[i-1] != '\\'):
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == ',' && !inQuotes:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, strings.TrimSpace(cur.String()))
	return out
}
