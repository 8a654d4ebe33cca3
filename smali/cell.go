package smali

import "fmt"

// CellKind tags the dynamic type carried by a register. Dalvik registers are
// untyped slots; a tagged variant keeps every opcode's width and sign rules
// explicit.
type CellKind byte

const (
	KindUnset CellKind = iota
	KindInt
	KindByte
	KindChar
	KindString
	KindArray
	KindRef
)

// Cell is the value held by one register. Only the field matching Kind is
// meaningful; the others are zero.
type Cell struct {
	Kind CellKind
	Int  int64
	Char rune
	Str  []byte
	Arr  []Cell
	Ref  *ObjectRef
}

// ObjectRef is what new-instance produces: a handle into the built-in
// library, not a real object graph.
type ObjectRef struct {
	Class  string
	Fields map[string]Cell
}

func UnsetCell() Cell { return Cell{Kind: KindUnset} }

func IntCell(v int64) Cell { return Cell{Kind: KindInt, Int: v} }

func ByteCell(v int64) Cell { return Cell{Kind: KindByte, Int: v} }

func CharCell(r rune) Cell { return Cell{Kind: KindChar, Char: r} }

func StringCell(s []byte) Cell { return Cell{Kind: KindString, Str: s} }

func ArrayCell(elems []Cell) Cell { return Cell{Kind: KindArray, Arr: elems} }

func RefCell(ref *ObjectRef) Cell { return Cell{Kind: KindRef, Ref: ref} }

// AsInt coerces Int/Byte/Char cells to a plain integer. Arithmetic and
// bitwise handlers that require an integer take a character cell's code
// point.
func (c Cell) AsInt() (int64, error) {
	switch c.Kind {
	case KindInt, KindByte:
		return c.Int, nil
	case KindChar:
		return int64(c.Char), nil
	default:
		return 0, fmt.Errorf("cannot interpret %s cell as integer", c.Kind)
	}
}

// Len returns len(cell) for array-length and the Java-string length builtins.
func (c Cell) Len() (int, error) {
	switch c.Kind {
	case KindArray:
		return len(c.Arr), nil
	case KindString:
		return len(c.Str), nil
	default:
		return 0, fmt.Errorf("cannot take length of %s cell", c.Kind)
	}
}

// Equal compares two cells the way emulated code observes equality, backing
// if-eq/if-ne: numeric kinds by value, strings by content, refs by identity,
// arrays elementwise. A pair of incomparable kinds is simply unequal.
func (c Cell) Equal(other Cell) bool {
	ai, aerr := c.AsInt()
	bi, berr := other.AsInt()
	if aerr == nil && berr == nil {
		return ai == bi
	}
	switch {
	case c.Kind == KindString && other.Kind == KindString:
		return string(c.Str) == string(other.Str)
	case c.Kind == KindRef && other.Kind == KindRef:
		return c.Ref == other.Ref
	case c.Kind == KindArray && other.Kind == KindArray:
		if len(c.Arr) != len(other.Arr) {
			return false
		}
		for i := range c.Arr {
			if !c.Arr[i].Equal(other.Arr[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (k CellKind) String() string {
	switch k {
	case KindUnset:
		return "unset"
	case KindInt:
		return "int"
	case KindByte:
		return "byte"
	case KindChar:
		return "char"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindRef:
		return "ref"
	default:
		return "?unknown?"
	}
}

func (c Cell) String() string {
	switch c.Kind {
	case KindUnset:
		return "<unset>"
	case KindInt, KindByte:
		return fmt.Sprintf("%d", c.Int)
	case KindChar:
		return fmt.Sprintf("%q", c.Char)
	case KindString:
		return fmt.Sprintf("%q", string(c.Str))
	case KindArray:
		return fmt.Sprintf("%v", c.Arr)
	case KindRef:
		if c.Ref == nil {
			return "<nil ref>"
		}
		return fmt.Sprintf("&%s", c.Ref.Class)
	default:
		return "?unknown?"
	}
}
