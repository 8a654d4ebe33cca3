package smali

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// opcodeHandler extracts operands from the raw text following the mnemonic
// and applies a semantic action to the Executor's VM. Each handler owns its
// own operand parsing; mnemonic dispatch already happened in the Executor.
type opcodeHandler func(ex *Executor, operandText string) error

var opcodeRegistry = map[string]opcodeHandler{}

// register binds a mnemonic to its handler exactly once. A second
// registration of the same mnemonic is a programming error: a duplicate
// would silently shadow the first handler.
func register(mnemonic string, h opcodeHandler) {
	if _, dup := opcodeRegistry[mnemonic]; dup {
		panic("duplicate opcode registration: " + mnemonic)
	}
	opcodeRegistry[mnemonic] = h
}

func lookupOpcode(mnemonic string) (opcodeHandler, bool) {
	h, ok := opcodeRegistry[mnemonic]
	return h, ok
}

func init() {
	registerConstants()
	registerMoves()
	registerArithmetic()
	registerUnary()
	registerBranches()
	registerArrays()
	registerObjects()
	registerInvoke()
	registerControl()
}

var registerPattern = regexp.MustCompile(`^[vp][0-9]+$`)

func isRegister(tok string) bool { return registerPattern.MatchString(tok) }

// resolveInt reads an operand that is either a register or a literal,
// coercing Byte/Char cells to Int on the way.
func (ex *Executor) resolveInt(tok string) (int64, error) {
	if isRegister(tok) {
		return ex.vm.get(tok).AsInt()
	}
	return parseLiteral(tok)
}

func (ex *Executor) jump(label string) error {
	idx, ok := ex.prog.Label(label)
	if !ok {
		return errors.Errorf("jump target %q is unresolved", label)
	}
	ex.vm.pc = idx
	return nil
}

// parseLiteral parses a Smali integer literal: decimal, 0x hex, negative
// forms, and trailing t (byte) / s (short) suffixes that truncate the parsed
// value to the implied width.
func parseLiteral(tok string) (int64, error) {
	tok = strings.TrimSpace(tok)
	width := 0
	switch {
	case strings.HasSuffix(tok, "t"):
		width = 8
		tok = tok[:len(tok)-1]
	case strings.HasSuffix(tok, "s"):
		width = 16
		tok = tok[:len(tok)-1]
	case strings.HasSuffix(tok, "L") || strings.HasSuffix(tok, "l"):
		tok = tok[:len(tok)-1]
	}

	neg := false
	if strings.HasPrefix(tok, "-") {
		neg = true
		tok = tok[1:]
	}

	var v int64
	var err error
	if strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X") {
		var u uint64
		u, err = strconv.ParseUint(tok[2:], 16, 64)
		v = int64(u)
	} else {
		v, err = strconv.ParseInt(tok, 10, 64)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "invalid integer literal %q", tok)
	}
	if neg {
		v = -v
	}
	switch width {
	case 8:
		v = int64(int8(v))
	case 16:
		v = int64(int16(v))
	}
	return v, nil
}

// unquoteSmaliString parses a quoted const-string literal, honoring the
// Smali escape sequences \n, \t, \", \\, and \uXXXX.
func unquoteSmaliString(tok string) (string, error) {
	tok = strings.TrimSpace(tok)
	if len(tok) < 2 || tok[0] != '"' || tok[len(tok)-1] != '"' {
		return "", fmt.Errorf("malformed string literal %q", tok)
	}
	inner := tok[1 : len(tok)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(inner) {
			return "", fmt.Errorf("dangling escape in %q", tok)
		}
		switch inner[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		case 'u':
			if i+4 >= len(inner) {
				return "", fmt.Errorf("truncated \\u escape in %q", tok)
			}
			code, err := strconv.ParseUint(inner[i+1:i+5], 16, 32)
			if err != nil {
				return "", errors.Wrapf(err, "invalid \\u escape in %q", tok)
			}
			b.WriteRune(rune(code))
			i += 4
		default:
			b.WriteByte(inner[i])
		}
	}
	return b.String(), nil
}

// ---- Constants and moves -------------------------------------------------

func registerConstants() {
	// Disassemblers print the /high16 forms with the full value already
	// shifted into place, so every const variant parses and stores the
	// literal as written.
	for _, m := range []string{
		"const", "const/4", "const/16", "const/high16",
		"const-wide", "const-wide/16", "const-wide/32", "const-wide/high16",
	} {
		register(m, handleConst)
	}
	register("const-string", handleConstString)
	register("const-string/jumbo", handleConstString)
}

func handleConst(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("const: expected 2 operands, got %d", len(ops))
	}
	v, err := parseLiteral(ops[1])
	if err != nil {
		return err
	}
	ex.vm.set(ops[0], IntCell(v))
	return nil
}

func handleConstString(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("const-string: expected 2 operands, got %d", len(ops))
	}
	s, err := unquoteSmaliString(ops[1])
	if err != nil {
		return err
	}
	ex.vm.set(ops[0], StringCell([]byte(s)))
	return nil
}

func registerMoves() {
	register("move", handleMove)
	register("move-object", handleMove)
	register("move-wide", handleMove)
	register("move-result", handleMoveResult)
	register("move-result-object", handleMoveResult)
	register("move-result-wide", handleMoveResult)
	register("move-exception", handleMoveException)
}

func handleMove(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("move: expected 2 operands, got %d", len(ops))
	}
	ex.vm.set(ops[0], ex.vm.get(ops[1]))
	return nil
}

func handleMoveResult(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 1 {
		return fmt.Errorf("move-result: expected 1 operand, got %d", len(ops))
	}
	v, ok := ex.vm.ReturnValue()
	if !ok {
		return fmt.Errorf("move-result before any call set return_v")
	}
	ex.vm.set(ops[0], v)
	return nil
}

func handleMoveException(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 1 {
		return fmt.Errorf("move-exception: expected 1 operand, got %d", len(ops))
	}
	exc, ok := ex.vm.popException()
	if !ok {
		return fmt.Errorf("move-exception with no pending exception")
	}
	ex.vm.set(ops[0], RefCell(&ObjectRef{
		Class:  exc.Type,
		Fields: map[string]Cell{"message": StringCell([]byte(exc.Message))},
	}))
	return nil
}

// ---- Arithmetic and logic -------------------------------------------------

type intBinOp func(a, b int64) (int64, error)

var intOps = map[string]intBinOp{
	"add": func(a, b int64) (int64, error) { return a + b, nil },
	"sub": func(a, b int64) (int64, error) { return a - b, nil },
	"mul": func(a, b int64) (int64, error) { return a * b, nil },
	"div": func(a, b int64) (int64, error) {
		if b == 0 {
			return 0, newArithmeticException()
		}
		return a / b, nil
	},
	"rem": func(a, b int64) (int64, error) {
		if b == 0 {
			return 0, newArithmeticException()
		}
		return a % b, nil
	},
	"and":  func(a, b int64) (int64, error) { return a & b, nil },
	"or":   func(a, b int64) (int64, error) { return a | b, nil },
	"xor":  func(a, b int64) (int64, error) { return a ^ b, nil },
	"shl":  func(a, b int64) (int64, error) { return a << uint(b&31), nil },
	"shr":  func(a, b int64) (int64, error) { return int64(int32(a) >> uint(b&31)), nil },
	"ushr": func(a, b int64) (int64, error) { return int64(uint32(a) >> uint(b&31)), nil },
}

func registerArithmetic() {
	for name, fn := range intOps {
		fn := fn
		mnemonic := name + "-int"
		register(mnemonic, makeBinOpHandler(fn, false))
		register(mnemonic+"/2addr", makeBinOpHandler(fn, true))
		register(mnemonic+"/lit8", makeLitOpHandler(fn))
		register(mnemonic+"/lit16", makeLitOpHandler(fn))
	}
	register("rsub-int", makeRsubHandler(0))
	register("rsub-int/lit8", makeRsubHandler(8))
	register("rsub-int/lit16", makeRsubHandler(16))
}

func makeBinOpHandler(fn intBinOp, twoAddr bool) opcodeHandler {
	return func(ex *Executor, text string) error {
		ops := splitOperands(text)
		var dst, aTok, bTok string
		if twoAddr {
			if len(ops) != 2 {
				return fmt.Errorf("/2addr: expected 2 operands, got %d", len(ops))
			}
			dst, aTok, bTok = ops[0], ops[0], ops[1]
		} else {
			if len(ops) != 3 {
				return fmt.Errorf("expected 3 operands, got %d", len(ops))
			}
			dst, aTok, bTok = ops[0], ops[1], ops[2]
		}
		a, err := ex.resolveInt(aTok)
		if err != nil {
			return err
		}
		b, err := ex.resolveInt(bTok)
		if err != nil {
			return err
		}
		result, err := fn(a, b)
		if err != nil {
			return err
		}
		ex.vm.set(dst, IntCell(result))
		return nil
	}
}

func makeLitOpHandler(fn intBinOp) opcodeHandler {
	return func(ex *Executor, text string) error {
		ops := splitOperands(text)
		if len(ops) != 3 {
			return fmt.Errorf("/lit: expected 3 operands, got %d", len(ops))
		}
		a, err := ex.resolveInt(ops[1])
		if err != nil {
			return err
		}
		lit, err := parseLiteral(ops[2])
		if err != nil {
			return err
		}
		result, err := fn(a, lit)
		if err != nil {
			return err
		}
		ex.vm.set(ops[0], IntCell(result))
		return nil
	}
}

// makeRsubHandler implements reverse subtraction: result = literal - vY. A
// nonzero width asserts the result fits the corresponding signed range.
func makeRsubHandler(width int) opcodeHandler {
	return func(ex *Executor, text string) error {
		ops := splitOperands(text)
		if len(ops) != 3 {
			return fmt.Errorf("rsub-int: expected 3 operands, got %d", len(ops))
		}
		vy, err := ex.resolveInt(ops[1])
		if err != nil {
			return err
		}
		lit, err := parseLiteral(ops[2])
		if err != nil {
			return err
		}
		result := lit - vy
		switch width {
		case 8:
			if result < -128 || result > 127 {
				return fmt.Errorf("rsub-int/lit8: result %d out of signed 8-bit range", result)
			}
		case 16:
			if result < -32768 || result > 32767 {
				return fmt.Errorf("rsub-int/lit16: result %d out of signed 16-bit range", result)
			}
		}
		ex.vm.set(ops[0], IntCell(result))
		return nil
	}
}

// ---- Unary ----------------------------------------------------------------

func registerUnary() {
	register("neg-int", handleNegInt)
	register("int-to-char", handleIntToChar)
	register("int-to-byte", handleIntToByte)
	for _, variant := range []string{"long", "float", "double", "short"} {
		variant := variant
		register("int-to-"+variant, func(ex *Executor, text string) error {
			return &UnsupportedVariantError{Mnemonic: "int-to", Variant: variant}
		})
	}
}

func handleNegInt(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("neg-int: expected 2 operands, got %d", len(ops))
	}
	v, err := ex.resolveInt(ops[1])
	if err != nil {
		return err
	}
	ex.vm.set(ops[0], IntCell(-v))
	return nil
}

func handleIntToChar(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("int-to-char: expected 2 operands, got %d", len(ops))
	}
	v, err := ex.resolveInt(ops[1])
	if err != nil {
		return err
	}
	ex.vm.set(ops[0], CharCell(rune(uint16(v))))
	return nil
}

// handleIntToByte sign-extends the low 8 bits.
func handleIntToByte(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("int-to-byte: expected 2 operands, got %d", len(ops))
	}
	v, err := ex.resolveInt(ops[1])
	if err != nil {
		return err
	}
	ex.vm.set(ops[0], ByteCell(int64(int8(v))))
	return nil
}

// ---- Comparisons and branches ----------------------------------------------

// cmpOps holds the ordering comparators, which only make sense on numeric
// cells. Equality is handled separately: if-eq/if-ne compare cells of any
// kind.
var cmpOps = map[string]func(a, b int64) bool{
	"lt": func(a, b int64) bool { return a < b },
	"le": func(a, b int64) bool { return a <= b },
	"gt": func(a, b int64) bool { return a > b },
	"ge": func(a, b int64) bool { return a >= b },
}

func registerBranches() {
	for name, fn := range cmpOps {
		fn := fn
		register("if-"+name, makeIfHandler(fn, false))
		register("if-"+name+"z", makeIfHandler(fn, true))
	}
	register("if-eq", makeIfEqHandler(false, false))
	register("if-ne", makeIfEqHandler(true, false))
	register("if-eqz", makeIfEqHandler(false, true))
	register("if-nez", makeIfEqHandler(true, true))
	register("goto", handleGoto)
	register("goto/16", handleGoto)
	register("goto/32", handleGoto)
}

// makeIfEqHandler compares the operand cells polymorphically via Cell.Equal:
// string registers compare by content, refs by identity, and a mismatched
// pair of kinds is simply unequal. No operand kind fails the branch with an
// error. The z-forms compare against an integer zero.
func makeIfEqHandler(negate, zeroForm bool) opcodeHandler {
	return func(ex *Executor, text string) error {
		ops := splitOperands(text)
		want := 3
		if zeroForm {
			want = 2
		}
		if len(ops) != want {
			return fmt.Errorf("if-eq/ne: expected %d operands, got %d", want, len(ops))
		}
		a := ex.vm.get(ops[0])
		b := IntCell(0)
		if !zeroForm {
			b = ex.vm.get(ops[1])
		}
		if a.Equal(b) != negate {
			return ex.jump(ops[len(ops)-1])
		}
		return nil
	}
}

func makeIfHandler(cmp func(a, b int64) bool, zeroForm bool) opcodeHandler {
	return func(ex *Executor, text string) error {
		ops := splitOperands(text)
		var aTok, bTok, label string
		if zeroForm {
			if len(ops) != 2 {
				return fmt.Errorf("if-*z: expected 2 operands, got %d", len(ops))
			}
			aTok, label = ops[0], ops[1]
		} else {
			if len(ops) != 3 {
				return fmt.Errorf("if-*: expected 3 operands, got %d", len(ops))
			}
			aTok, bTok, label = ops[0], ops[1], ops[2]
		}
		a, err := ex.resolveInt(aTok)
		if err != nil {
			return err
		}
		b := int64(0)
		if !zeroForm {
			b, err = ex.resolveInt(bTok)
			if err != nil {
				return err
			}
		}
		if cmp(a, b) {
			return ex.jump(label)
		}
		return nil
	}
}

func handleGoto(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 1 {
		return fmt.Errorf("goto: expected 1 operand, got %d", len(ops))
	}
	return ex.jump(ops[0])
}

// ---- Arrays -----------------------------------------------------------

func registerArrays() {
	register("new-array", handleNewArray)
	register("array-length", handleArrayLength)
	register("fill-array-data", handleFillArrayData)
	for _, variant := range []string{"", "-wide", "-object", "-boolean", "-byte", "-char", "-short"} {
		variant := variant
		register("aget"+variant, handleAget)
		register("aput"+variant, handleAput)
	}
}

// handleNewArray leaves every element at an empty-string cell regardless of
// the declared type descriptor; aput establishes the real element type on
// first write.
func handleNewArray(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 3 {
		return fmt.Errorf("new-array: expected 3 operands, got %d", len(ops))
	}
	n, err := ex.resolveInt(ops[1])
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("new-array: negative length %d", n)
	}
	elems := make([]Cell, n)
	for i := range elems {
		elems[i] = StringCell(nil)
	}
	ex.vm.set(ops[0], ArrayCell(elems))
	return nil
}

func handleArrayLength(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("array-length: expected 2 operands, got %d", len(ops))
	}
	n, err := ex.vm.get(ops[1]).Len()
	if err != nil {
		return err
	}
	ex.vm.set(ops[0], IntCell(int64(n)))
	return nil
}

func handleFillArrayData(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("fill-array-data: expected 2 operands, got %d", len(ops))
	}
	table, ok := ex.prog.ArrayDataTable(ops[1])
	if !ok {
		return fmt.Errorf("fill-array-data: unresolved table %q", ops[1])
	}
	elems := make([]Cell, len(table.Elements))
	for i, v := range table.Elements {
		if table.ElementWidth == 1 {
			elems[i] = ByteCell(v)
		} else {
			elems[i] = IntCell(v)
		}
	}
	ex.vm.set(ops[0], ArrayCell(elems))
	return nil
}

func handleAget(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 3 {
		return fmt.Errorf("aget: expected 3 operands, got %d", len(ops))
	}
	arr := ex.vm.get(ops[1])
	if arr.Kind != KindArray {
		return fmt.Errorf("aget: %s is not an array", ops[1])
	}
	idx, err := ex.resolveInt(ops[2])
	if err != nil {
		return err
	}
	if idx < 0 || int(idx) >= len(arr.Arr) {
		return newArrayIndexException(int(idx), len(arr.Arr))
	}
	ex.vm.set(ops[0], arr.Arr[idx])
	return nil
}

// handleAput allows growth by exactly one element (a store at idx == len
// appends); a store past that is silently dropped.
func handleAput(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 3 {
		return fmt.Errorf("aput: expected 3 operands, got %d", len(ops))
	}
	arrCell := ex.vm.get(ops[1])
	if arrCell.Kind != KindArray {
		return fmt.Errorf("aput: %s is not an array", ops[1])
	}
	idx, err := ex.resolveInt(ops[2])
	if err != nil {
		return err
	}
	if idx < 0 {
		return newArrayIndexException(int(idx), len(arrCell.Arr))
	}
	val := ex.vm.get(ops[0])
	switch {
	case int(idx) < len(arrCell.Arr):
		arrCell.Arr[idx] = val
	case int(idx) == len(arrCell.Arr):
		arrCell.Arr = append(arrCell.Arr, val)
	default:
		return nil
	}
	ex.vm.set(ops[1], arrCell)
	return nil
}

// ---- Objects and static fields ---------------------------------------------

func registerObjects() {
	register("new-instance", handleNewInstance)
	for _, variant := range []string{"", "-wide", "-object", "-boolean", "-byte", "-char", "-short"} {
		variant := variant
		register("sget"+variant, handleSget)
		register("sput"+variant, handleSput)
	}
}

func handleNewInstance(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("new-instance: expected 2 operands, got %d", len(ops))
	}
	ref := &ObjectRef{Class: ops[1], Fields: map[string]Cell{}}
	ex.vm.set(ops[0], RefCell(ref))
	return nil
}

// handleSget/handleSput route static fields through the ordinary register
// map, identified by their fully-qualified Smali name.
func handleSget(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("sget: expected 2 operands, got %d", len(ops))
	}
	ex.vm.set(ops[0], ex.vm.get(ops[1]))
	return nil
}

func handleSput(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("sput: expected 2 operands, got %d", len(ops))
	}
	ex.vm.set(ops[1], ex.vm.get(ops[0]))
	return nil
}

// ---- Invocation -------------------------------------------------------

func registerInvoke() {
	for _, kind := range []string{"virtual", "static", "direct", "super", "interface"} {
		kind := kind
		register("invoke-"+kind, makeInvokeHandler(kind))
		register("invoke-"+kind+"/range", makeInvokeHandler(kind))
	}
}

// parseInvokeOperands splits "{v0, v1, v2}, Lclass;->method(sig)ret" into
// the register list and the method reference, since invoke's braces make it
// the one mnemonic whose operand text can't go through splitOperands. The
// invoke-*/range forms spell their register list as a first..last span
// ("{v0 .. v5}") rather than an explicit comma list; that span is expanded
// here so callers never need to know which form produced the list.
func parseInvokeOperands(text string) (regs []string, methodRef string, err error) {
	open := strings.IndexByte(text, '{')
	closeIdx := strings.IndexByte(text, '}')
	if open < 0 || closeIdx < 0 || closeIdx < open {
		return nil, "", fmt.Errorf("invoke: malformed operand list %q", text)
	}
	inner := strings.TrimSpace(text[open+1 : closeIdx])
	if inner != "" {
		if span := strings.SplitN(inner, "..", 2); len(span) == 2 {
			regs, err = expandRegisterRange(strings.TrimSpace(span[0]), strings.TrimSpace(span[1]))
			if err != nil {
				return nil, "", err
			}
		} else {
			for _, r := range strings.Split(inner, ",") {
				regs = append(regs, strings.TrimSpace(r))
			}
		}
	}
	rest := strings.TrimSpace(text[closeIdx+1:])
	rest = strings.TrimPrefix(rest, ",")
	methodRef = strings.TrimSpace(rest)
	return regs, methodRef, nil
}

// expandRegisterRange turns the invoke-*/range span "v0 .. v5" (or "p0 ..
// p2") into the explicit register list ["v0", "v1", ..., "v5"], the same
// registers a disassembler would have spelled out for the comma-list form
// had the argument count not crossed the threshold that prompts /range.
func expandRegisterRange(first, last string) ([]string, error) {
	if !isRegister(first) || !isRegister(last) {
		return nil, fmt.Errorf("invoke: malformed register range %q .. %q", first, last)
	}
	prefix := first[0]
	if last[0] != prefix {
		return nil, fmt.Errorf("invoke: register range %q .. %q mixes v/p namespaces", first, last)
	}
	lo, err := strconv.Atoi(first[1:])
	if err != nil {
		return nil, fmt.Errorf("invoke: malformed register range start %q", first)
	}
	hi, err := strconv.Atoi(last[1:])
	if err != nil {
		return nil, fmt.Errorf("invoke: malformed register range end %q", last)
	}
	if hi < lo {
		return nil, fmt.Errorf("invoke: register range %q .. %q is empty", first, last)
	}
	regs := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		regs = append(regs, string(prefix)+strconv.Itoa(i))
	}
	return regs, nil
}

func methodName(sig string) string {
	if i := strings.IndexByte(sig, '('); i >= 0 {
		return sig[:i]
	}
	return sig
}

// lookupBuiltin tries the exact signature first, falling back to the bare
// method name so handlers can be registered either way (constructors and
// System.arraycopy are registered bare; most others carry their descriptor).
func (ex *Executor) lookupBuiltin(class, sig string) (BuiltinFunc, bool) {
	if fn, ok := ex.vm.builtins.lookup(class, sig); ok {
		return fn, true
	}
	return ex.vm.builtins.lookup(class, methodName(sig))
}

func makeInvokeHandler(kind string) opcodeHandler {
	static := kind == "static"
	return func(ex *Executor, text string) error {
		regs, methodRef, err := parseInvokeOperands(text)
		if err != nil {
			return err
		}
		parts := strings.SplitN(methodRef, "->", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invoke-%s: malformed method reference %q", kind, methodRef)
		}
		class, sig := parts[0], parts[1]

		var recv *ObjectRef
		argRegs := regs
		if !static {
			if len(regs) == 0 {
				return fmt.Errorf("invoke-%s: missing receiver", kind)
			}
			receiverCell := ex.vm.get(regs[0])
			if receiverCell.Kind != KindRef {
				return fmt.Errorf("invoke-%s: %s is not an object reference", kind, regs[0])
			}
			recv = receiverCell.Ref
			argRegs = regs[1:]
		}

		args := make([]Cell, len(argRegs))
		for i, r := range argRegs {
			args[i] = ex.vm.get(r)
		}

		fn, ok := ex.lookupBuiltin(class, sig)
		if !ok {
			return &MissingBuiltinError{Class: class, Method: sig}
		}
		result, hasResult, err := fn(ex.vm, recv, args)
		if err != nil {
			return err
		}
		ex.vm.returnV = result
		ex.vm.hasReturn = hasResult
		return nil
	}
}

// ---- Control flow and termination ------------------------------------------

func registerControl() {
	register("packed-switch", handlePackedSwitch)
	register("return-void", handleReturnVoid)
	register("return", handleReturn)
	register("return-object", handleReturn)
	register("return-wide", handleReturn)
	register("throw", handleThrow)
}

func handlePackedSwitch(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 2 {
		return fmt.Errorf("packed-switch: expected 2 operands, got %d", len(ops))
	}
	table, ok := ex.prog.PackedSwitchTable(ops[1])
	if !ok {
		return fmt.Errorf("packed-switch: unresolved table %q", ops[1])
	}
	scrutinee, err := ex.resolveInt(ops[0])
	if err != nil {
		return err
	}
	i := scrutinee - table.FirstValue
	if i < 0 || int(i) >= len(table.Cases) {
		return nil
	}
	return ex.jump(table.Cases[i])
}

func handleReturnVoid(ex *Executor, text string) error {
	ex.vm.returnV = UnsetCell()
	ex.vm.hasReturn = false
	ex.vm.stop = true
	return nil
}

func handleReturn(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 1 {
		return fmt.Errorf("return: expected 1 operand, got %d", len(ops))
	}
	ex.vm.returnV = ex.vm.get(ops[0])
	ex.vm.hasReturn = true
	ex.vm.stop = true
	return nil
}

func handleThrow(ex *Executor, text string) error {
	ops := splitOperands(text)
	if len(ops) != 1 {
		return fmt.Errorf("throw: expected 1 operand, got %d", len(ops))
	}
	v := ex.vm.get(ops[0])
	if v.Kind != KindRef || v.Ref == nil {
		return fmt.Errorf("throw: %s is not an object reference", ops[0])
	}
	msg := ""
	if m, ok := v.Ref.Fields["message"]; ok {
		msg = string(m.Str)
	}
	return &EmulatedException{Type: v.Ref.Class, Message: msg}
}
