package smali

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func runSource(t *testing.T, text string) *VM {
	t.Helper()
	src, err := LoadSource(strings.NewReader(text))
	require.NoError(t, err)
	prog, err := Parse(src)
	require.NoError(t, err)
	vm := NewVM(prog.Entry.Params, nil, nil)
	err = NewExecutor(prog, vm).Run()
	require.NoError(t, err)
	require.True(t, vm.Stopped())
	return vm
}

func TestConstantReturn(t *testing.T) {
	vm := runSource(t, `
const/4 v0, 0x5
return v0
`)
	v, ok := vm.ReturnValue()
	require.True(t, ok)
	n, err := v.AsInt()
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestArithmetic(t *testing.T) {
	vm := runSource(t, `
const/4 v0, 0x3
const/4 v1, 0x4
add-int v2, v0, v1
mul-int/lit8 v2, v2, 0x2
return v2
`)
	v, _ := vm.ReturnValue()
	n, err := v.AsInt()
	require.NoError(t, err)
	require.Equal(t, int64(14), n)
}

func TestConditionalBranch(t *testing.T) {
	vm := runSource(t, `
const/4 v0, 0x0
if-eqz v0, :L
const/4 v1, 0x1
return v1
:L
const/4 v1, 0x2
return v1
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(2), n)
}

func TestPackedSwitchFallThrough(t *testing.T) {
	vm := runSource(t, `
const/4 v0, 0x5
packed-switch v0, :T
const/4 v1, 0xF
return v1
:T
.packed-switch 0
:A
:B
.end packed-switch
:A
const/4 v1, 0x1
return v1
:B
const/4 v1, 0x2
return v1
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(15), n)
}

func TestArrayFillAndAget(t *testing.T) {
	vm := runSource(t, `
const/4 v0, 0x3
new-array v1, v0, [B
fill-array-data v1, :D
const/4 v2, 0x1
aget-byte v3, v1, v2
return v3
:D
.array-data 1
0x0t 0x2t 0x4t
.end array-data
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(2), n)
}

func TestDivisionByZeroRoutedToCatch(t *testing.T) {
	src, err := LoadSource(strings.NewReader(`
:try_start
const/4 v0, 0x1
const/4 v1, 0x0
div-int v2, v0, v1
:try_end
.catch Ljava/lang/ArithmeticException; {:try_start .. :try_end} :H
:H
move-exception v3
const/4 v2, 0x2A
return v2
`))
	require.NoError(t, err)
	prog, err := Parse(src)
	require.NoError(t, err)
	vm := NewVM(prog.Entry.Params, nil, nil)
	require.NoError(t, NewExecutor(prog, vm).Run())

	v, ok := vm.ReturnValue()
	require.True(t, ok)
	n, _ := v.AsInt()
	require.Equal(t, int64(42), n)

	caught := vm.get("v3")
	require.Equal(t, KindRef, caught.Kind)
	require.Equal(t, "Ljava/lang/ArithmeticException;", caught.Ref.Class)
}

func TestDivisionByZeroUncaughtSurfacesAsError(t *testing.T) {
	src, err := LoadSource(strings.NewReader(`
const/4 v0, 0x1
const/4 v1, 0x0
div-int v2, v0, v1
return v2
`))
	require.NoError(t, err)
	prog, err := Parse(src)
	require.NoError(t, err)
	vm := NewVM(prog.Entry.Params, nil, nil)
	err = NewExecutor(prog, vm).Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ArithmeticException")
}

func TestArrayIndexOutOfBoundsUncaught(t *testing.T) {
	src, err := LoadSource(strings.NewReader(`
const/4 v0, 0x1
new-array v1, v0, [I
const/4 v2, 0x5
aget v3, v1, v2
return v3
`))
	require.NoError(t, err)
	prog, err := Parse(src)
	require.NoError(t, err)
	vm := NewVM(prog.Entry.Params, nil, nil)
	err = NewExecutor(prog, vm).Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ArrayIndexOutOfBoundsException")
}

func TestAputGrowsByOneAndSkipsPastEnd(t *testing.T) {
	vm := runSource(t, `
const/4 v0, 0x1
new-array v1, v0, [I
const/4 v2, 0x1
const/4 v3, 0x9
aput v3, v1, v2
const/4 v5, 0x5
aput v3, v1, v5
array-length v4, v1
return v4
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(2), n)
}

func Test2addrSubtractionOrdering(t *testing.T) {
	vm := runSource(t, `
const/4 v0, 0xA
const/4 v1, 0x3
sub-int/2addr v0, v1
return v0
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(7), n)
}

func TestRsubIntLit8WidthAssertion(t *testing.T) {
	vm := runSource(t, `
const/16 v0, 0x0
rsub-int/lit8 v0, v0, 0x7f
return v0
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(127), n)
}

func TestIntToByteSignExtends(t *testing.T) {
	vm := runSource(t, `
const v0, 0xff
int-to-byte v1, v0
return v1
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(-1), n)
}

// TestMethodWrappedPackedSwitchExecutes guards against collectMethod's body
// walk treating .locals and a nested .packed-switch block as opaque bytes:
// every disassembled method opens with .locals immediately after .method,
// and the packed-switch table here is declared inside the method body
// rather than at file scope.
func TestMethodWrappedPackedSwitchExecutes(t *testing.T) {
	src, err := LoadSource(strings.NewReader(`
.class public Lcom/example/Decode;

.method public static decode(I)I
.locals 2
packed-switch p0, :T
const/4 v0, 0x0
return v0
:T
.packed-switch 0
:A
:B
.end packed-switch
:A
const/4 v0, 0x1
return v0
:B
const/4 v0, 0x2
return v0
.end method
`))
	require.NoError(t, err)
	prog, err := Parse(src)
	require.NoError(t, err)
	vm := NewVM(prog.Entry.Params, []Cell{IntCell(1)}, nil)
	require.NoError(t, NewExecutor(prog, vm).Run())

	v, ok := vm.ReturnValue()
	require.True(t, ok)
	n, err := v.AsInt()
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

// TestMethodWrappedCatchBlockRoutesException guards against a .catch
// declared inside a .method body being skipped over unregistered (which
// would let the ArithmeticException escape uncaught instead of reaching H).
func TestMethodWrappedCatchBlockRoutesException(t *testing.T) {
	src, err := LoadSource(strings.NewReader(`
.method public static run()I
.locals 4
:try_start
const/4 v0, 0x1
const/4 v1, 0x0
div-int v2, v0, v1
:try_end
.catch Ljava/lang/ArithmeticException; {:try_start .. :try_end} :H
:H
move-exception v3
const/4 v2, 0x2A
return v2
.end method
`))
	require.NoError(t, err)
	prog, err := Parse(src)
	require.NoError(t, err)
	vm := NewVM(prog.Entry.Params, nil, nil)
	require.NoError(t, NewExecutor(prog, vm).Run())

	v, ok := vm.ReturnValue()
	require.True(t, ok)
	n, err := v.AsInt()
	require.NoError(t, err)
	require.Equal(t, int64(42), n)
}

// TestIfEqComparesStringsByContent: if-eq works on any pair of cells, not
// just integers; string registers compare by content.
func TestIfEqComparesStringsByContent(t *testing.T) {
	vm := runSource(t, `
const-string v0, "key"
const-string v1, "key"
if-eq v0, v1, :match
const/4 v2, 0x0
return v2
:match
const/4 v2, 0x1
return v2
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(1), n)
}

// TestIfNeCrossKindBranches: a string against an integer is simply unequal,
// so if-ne takes the branch instead of erroring out.
func TestIfNeCrossKindBranches(t *testing.T) {
	vm := runSource(t, `
const-string v0, "4"
const/4 v1, 0x4
if-ne v0, v1, :differ
const/4 v2, 0x0
return v2
:differ
const/4 v2, 0x1
return v2
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(1), n)
}

// TestIfEqzOnStringFallsThrough: a string register is never equal to zero.
func TestIfEqzOnStringFallsThrough(t *testing.T) {
	vm := runSource(t, `
const-string v0, ""
if-eqz v0, :zero
const/4 v1, 0x7
return v1
:zero
const/4 v1, 0x0
return v1
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(7), n)
}

func TestIfEqRefIdentity(t *testing.T) {
	vm := runSource(t, `
new-instance v0, Ljava/lang/StringBuilder;
move-object v1, v0
if-eq v0, v1, :same
const/4 v2, 0x0
return v2
:same
const/4 v2, 0x1
return v2
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(1), n)
}

// TestConstHigh16StoresLiteralAsWritten: disassemblers print const/high16
// with the full value already shifted into place, so no further shift is
// applied on load.
func TestConstHigh16StoresLiteralAsWritten(t *testing.T) {
	vm := runSource(t, `
const/high16 v0, 0x10000
return v0
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(0x10000), n)
}

func TestThrowRoutedToCatchAll(t *testing.T) {
	vm := runSource(t, `
:try_start
new-instance v0, Ljava/lang/RuntimeException;
throw v0
:try_end
.catchall {:try_start .. :try_end} :H
:H
move-exception v1
const/4 v0, 0x7
return v0
`)
	v, ok := vm.ReturnValue()
	require.True(t, ok)
	n, _ := v.AsInt()
	require.Equal(t, int64(7), n)

	caught := vm.get("v1")
	require.Equal(t, KindRef, caught.Kind)
	require.Equal(t, "Ljava/lang/RuntimeException;", caught.Ref.Class)
}

// TestStaticFieldRoundTrip: sput/sget address static fields by their
// fully-qualified name in the same namespace as ordinary registers.
func TestStaticFieldRoundTrip(t *testing.T) {
	vm := runSource(t, `
const/16 v0, 0x159
sput v0, Lcom/example/Config;->seed:I
const/4 v0, 0x0
sget v1, Lcom/example/Config;->seed:I
return v1
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(0x159), n)
}

// TestXorAcceptsCharCell: bitwise opcodes take a character cell's code point
// when the operand isn't an integer.
func TestXorAcceptsCharCell(t *testing.T) {
	vm := runSource(t, `
const/16 v0, 0x41
int-to-char v1, v0
const/16 v2, 0x20
xor-int/2addr v2, v1
return v2
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(0x61), n)
}

func TestConstStringEscapes(t *testing.T) {
	vm := runSource(t, `
const-string v0, "a\tb\nA\\\""
return-object v0
`)
	v, ok := vm.ReturnValue()
	require.True(t, ok)
	require.Equal(t, KindString, v.Kind)
	require.Equal(t, "a\tb\nA\\\"", string(v.Str))
}

func TestGotoLoopAccumulates(t *testing.T) {
	vm := runSource(t, `
const/4 v0, 0x0
const/4 v1, 0x5
:loop
if-lez v1, :done
add-int/2addr v0, v1
add-int/lit8 v1, v1, -0x1
goto :loop
:done
return v0
`)
	v, _ := vm.ReturnValue()
	n, _ := v.AsInt()
	require.Equal(t, int64(15), n)
}

func TestUnsupportedIntToVariantIsFatal(t *testing.T) {
	src, err := LoadSource(strings.NewReader(`
const/4 v0, 0x1
int-to-double v1, v0
return v1
`))
	require.NoError(t, err)
	prog, err := Parse(src)
	require.NoError(t, err)
	vm := NewVM(prog.Entry.Params, nil, nil)
	err = NewExecutor(prog, vm).Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported variant")
}

func TestUnknownOpcodeIsFatal(t *testing.T) {
	src, err := LoadSource(strings.NewReader(`
frob-widget v0, v1
`))
	require.NoError(t, err)
	prog, err := Parse(src)
	require.NoError(t, err)
	vm := NewVM(prog.Entry.Params, nil, nil)
	err = NewExecutor(prog, vm).Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown opcode")
}

func TestInvokeStaticRangeExpandsRegisterSpan(t *testing.T) {
	vm := runSource(t, `
const/4 v5, 0x3
new-array v0, v5, [I
fill-array-data v0, :SRC
const/4 v1, 0x0
new-array v2, v5, [I
const/4 v3, 0x0
const/4 v4, 0x2
invoke-static/range {v0 .. v4}, Ljava/lang/System;->arraycopy(Ljava/lang/Object;ILjava/lang/Object;II)V
const/4 v6, 0x1
aget v7, v2, v6
return v7
:SRC
.array-data 4
0x5 0x9 0xd
.end array-data
`)
	v, ok := vm.ReturnValue()
	require.True(t, ok)
	n, err := v.AsInt()
	require.NoError(t, err)
	require.Equal(t, int64(9), n)
}
