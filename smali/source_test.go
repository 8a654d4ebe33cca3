package smali

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSourceStripsCommentsAndBlankLines(t *testing.T) {
	src, err := LoadSource(strings.NewReader(`
# a leading comment
const/4 v0, 0x5   # trailing comment

return v0
`))
	require.NoError(t, err)
	require.Len(t, src.Lines, 2)
	require.Equal(t, "const/4 v0, 0x5", src.Lines[0].Text)
	require.Equal(t, 3, src.Lines[0].Index)
	require.Equal(t, "return v0", src.Lines[1].Text)
	require.Equal(t, 5, src.Lines[1].Index)
}

func TestLoadSourceDropsWholeLineComments(t *testing.T) {
	src, err := LoadSource(strings.NewReader("# only a comment\n"))
	require.NoError(t, err)
	require.Empty(t, src.Lines)
}
