package smali

import (
	"strconv"
	"strings"
)

// BuiltinFunc implements one (class, method) pair behind invoke-*. args
// excludes the receiver for instance methods; recv is nil for invoke-static.
// The returned Cell, if any, is what move-result(-object) will later read.
type BuiltinFunc func(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error)

type builtinKey struct {
	Class  string
	Method string
}

// BuiltinTable is the invocation bridge backing invoke-*: a lookup keyed by
// (class, method) standing in for the Android framework and the Java
// standard library. Registration is explicit; this is not a reflection-based
// dispatcher.
type BuiltinTable struct {
	handlers map[builtinKey]BuiltinFunc
}

func NewBuiltinTable() *BuiltinTable {
	return &BuiltinTable{handlers: make(map[builtinKey]BuiltinFunc)}
}

// Register adds or replaces the handler for (class, method). Embedders use
// this to extend the bridge beyond the defaults without touching this
// package.
func (t *BuiltinTable) Register(class, method string, fn BuiltinFunc) {
	t.handlers[builtinKey{Class: class, Method: method}] = fn
}

func (t *BuiltinTable) lookup(class, method string) (BuiltinFunc, bool) {
	fn, ok := t.handlers[builtinKey{Class: class, Method: method}]
	return fn, ok
}

// DefaultBuiltins registers the routines the decryption stubs this emulator
// targets actually call: java/lang/String, StringBuilder, and
// System.arraycopy. Everything else surfaces as a MissingBuiltinError.
func DefaultBuiltins() *BuiltinTable {
	t := NewBuiltinTable()

	t.Register("Ljava/lang/String;", "<init>", builtinStringInit)
	t.Register("Ljava/lang/String;", "length()I", builtinStringLength)
	t.Register("Ljava/lang/String;", "charAt(I)C", builtinStringCharAt)
	t.Register("Ljava/lang/String;", "concat(Ljava/lang/String;)Ljava/lang/String;", builtinStringConcat)
	t.Register("Ljava/lang/String;", "equals(Ljava/lang/Object;)Z", builtinStringEquals)
	t.Register("Ljava/lang/String;", "valueOf(I)Ljava/lang/String;", builtinStringValueOfInt)

	t.Register("Ljava/lang/StringBuilder;", "<init>", builtinSBInit)
	t.Register("Ljava/lang/StringBuilder;", "append(Ljava/lang/String;)Ljava/lang/StringBuilder;", builtinSBAppendString)
	t.Register("Ljava/lang/StringBuilder;", "append(I)Ljava/lang/StringBuilder;", builtinSBAppendInt)
	t.Register("Ljava/lang/StringBuilder;", "append(C)Ljava/lang/StringBuilder;", builtinSBAppendChar)
	t.Register("Ljava/lang/StringBuilder;", "toString()Ljava/lang/String;", builtinSBToString)

	t.Register("Ljava/lang/System;", "arraycopy", builtinArraycopy)

	return t
}

func builtinStringInit(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	if recv == nil {
		recv = &ObjectRef{Class: "Ljava/lang/String;", Fields: map[string]Cell{}}
	}
	var s []byte
	if len(args) > 0 && args[0].Kind == KindArray {
		s = charArrayToBytes(args[0].Arr)
	} else if len(args) > 0 && args[0].Kind == KindString {
		s = args[0].Str
	}
	recv.Fields["value"] = StringCell(s)
	return UnsetCell(), false, nil
}

func builtinStringLength(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	s := recv.Fields["value"]
	n, err := s.Len()
	if err != nil {
		return Cell{}, false, err
	}
	return IntCell(int64(n)), true, nil
}

func builtinStringCharAt(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	idx, err := args[0].AsInt()
	if err != nil {
		return Cell{}, false, err
	}
	s := recv.Fields["value"].Str
	if idx < 0 || int(idx) >= len(s) {
		return Cell{}, false, newArrayIndexException(int(idx), len(s))
	}
	return CharCell(rune(s[idx])), true, nil
}

func builtinStringConcat(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	var b strings.Builder
	b.Write(recv.Fields["value"].Str)
	b.Write(args[0].Str)
	return StringCell([]byte(b.String())), true, nil
}

func builtinStringEquals(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	other := args[0]
	if other.Kind != KindString {
		return IntCell(0), true, nil
	}
	if string(recv.Fields["value"].Str) == string(other.Str) {
		return IntCell(1), true, nil
	}
	return IntCell(0), true, nil
}

func builtinStringValueOfInt(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	n, err := args[0].AsInt()
	if err != nil {
		return Cell{}, false, err
	}
	return StringCell([]byte(strconv.FormatInt(n, 10))), true, nil
}

func builtinSBInit(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	recv.Fields["value"] = StringCell(nil)
	return UnsetCell(), false, nil
}

func builtinSBAppendString(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	cur := recv.Fields["value"]
	recv.Fields["value"] = StringCell(append(append([]byte{}, cur.Str...), args[0].Str...))
	return RefCell(recv), true, nil
}

func builtinSBAppendInt(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	n, err := args[0].AsInt()
	if err != nil {
		return Cell{}, false, err
	}
	cur := recv.Fields["value"]
	recv.Fields["value"] = StringCell(append(append([]byte{}, cur.Str...), []byte(strconv.FormatInt(n, 10))...))
	return RefCell(recv), true, nil
}

func builtinSBAppendChar(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	cur := recv.Fields["value"]
	recv.Fields["value"] = StringCell(append(append([]byte{}, cur.Str...), byte(args[0].Char)))
	return RefCell(recv), true, nil
}

func builtinSBToString(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	return StringCell(recv.Fields["value"].Str), true, nil
}

// builtinArraycopy mirrors java.lang.System.arraycopy(src, srcPos, dst,
// dstPos, length); args arrive in that order since this built-in has no
// receiver (invoke-static).
func builtinArraycopy(vm *VM, recv *ObjectRef, args []Cell) (Cell, bool, error) {
	src, dst := args[0], args[2]
	srcPos, err := args[1].AsInt()
	if err != nil {
		return Cell{}, false, err
	}
	dstPos, err := args[3].AsInt()
	if err != nil {
		return Cell{}, false, err
	}
	length, err := args[4].AsInt()
	if err != nil {
		return Cell{}, false, err
	}
	if int(srcPos+length) > len(src.Arr) || int(dstPos+length) > len(dst.Arr) {
		return Cell{}, false, newArrayIndexException(int(srcPos+length), len(src.Arr))
	}
	copy(dst.Arr[dstPos:dstPos+length], src.Arr[srcPos:srcPos+length])
	return UnsetCell(), false, nil
}

func charArrayToBytes(cells []Cell) []byte {
	out := make([]byte, len(cells))
	for i, c := range cells {
		out[i] = byte(c.Char)
	}
	return out
}
