package smali

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringBuilderAppendAndToString(t *testing.T) {
	src, err := LoadSource(strings.NewReader(`
new-instance v0, Ljava/lang/StringBuilder;
invoke-direct {v0}, Ljava/lang/StringBuilder;-><init>()V
const-string v1, "answer="
invoke-virtual {v0, v1}, Ljava/lang/StringBuilder;->append(Ljava/lang/String;)Ljava/lang/StringBuilder;
move-result-object v0
const/16 v2, 0x2a
invoke-virtual {v0, v2}, Ljava/lang/StringBuilder;->append(I)Ljava/lang/StringBuilder;
move-result-object v0
invoke-virtual {v0}, Ljava/lang/StringBuilder;->toString()Ljava/lang/String;
move-result-object v3
return-object v3
`))
	require.NoError(t, err)
	prog, err := Parse(src)
	require.NoError(t, err)
	vm := NewVM(prog.Entry.Params, nil, nil)
	require.NoError(t, NewExecutor(prog, vm).Run())

	v, ok := vm.ReturnValue()
	require.True(t, ok)
	require.Equal(t, KindString, v.Kind)
	require.Equal(t, "answer=42", string(v.Str))
}

func TestMissingBuiltinIsFatal(t *testing.T) {
	src, err := LoadSource(strings.NewReader(`
new-instance v0, Ljava/util/Random;
invoke-direct {v0}, Ljava/util/Random;-><init>()V
return-void
`))
	require.NoError(t, err)
	prog, err := Parse(src)
	require.NoError(t, err)
	vm := NewVM(prog.Entry.Params, nil, nil)
	err = NewExecutor(prog, vm).Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no built-in registered")
}

func TestArraycopyBuiltin(t *testing.T) {
	table := DefaultBuiltins()
	src := ArrayCell([]Cell{IntCell(1), IntCell(2), IntCell(3)})
	dst := ArrayCell([]Cell{IntCell(0), IntCell(0), IntCell(0)})
	fn, ok := table.lookup("Ljava/lang/System;", "arraycopy")
	require.True(t, ok)
	_, _, err := fn(nil, nil, []Cell{src, IntCell(0), dst, IntCell(0), IntCell(2)})
	require.NoError(t, err)
	require.Equal(t, int64(1), dst.Arr[0].Int)
	require.Equal(t, int64(2), dst.Arr[1].Int)
	require.Equal(t, int64(0), dst.Arr[2].Int)
}

func TestStringEquals(t *testing.T) {
	table := DefaultBuiltins()
	initFn, _ := table.lookup("Ljava/lang/String;", "<init>")
	recv := &ObjectRef{Class: "Ljava/lang/String;", Fields: map[string]Cell{}}
	_, _, err := initFn(nil, recv, []Cell{StringCell([]byte("hi"))})
	require.NoError(t, err)

	eqFn, _ := table.lookup("Ljava/lang/String;", "equals(Ljava/lang/Object;)Z")
	result, ok, err := eqFn(nil, recv, []Cell{StringCell([]byte("hi"))})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), result.Int)
}
