package smali

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// comments matches a "#" line comment through end of line.
var comments = regexp.MustCompile(`#.*`)

// Source is the lexical layer: a finite ordered sequence of (index, text)
// pairs with comments and blank lines already removed.
type Source struct {
	Lines []SourceLine
}

// LoadSourceFile reads a Smali file into a Source.
func LoadSourceFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	return LoadSource(f)
}

// LoadSource reads Smali text from an arbitrary reader, preserving the
// 1-based line numbers of the original input for diagnostics.
func LoadSource(r io.Reader) (*Source, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	src := &Source{}
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		text := comments.ReplaceAllString(scanner.Text(), "")
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		src.Lines = append(src.Lines, SourceLine{Index: lineNum, Text: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading smali source")
	}
	return src, nil
}
