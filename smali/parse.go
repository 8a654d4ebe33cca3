package smali

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	labelLinePattern  = regexp.MustCompile(`^:([A-Za-z_][A-Za-z0-9_]*)$`)
	packedSwitchStart = regexp.MustCompile(`^\.packed-switch\s+(\S+)$`)
	arrayDataStart    = regexp.MustCompile(`^\.array-data\s+(\S+)$`)
	catchPattern      = regexp.MustCompile(`^\.catch\s+(\S+)\s*\{\s*(:\S+)\s*\.\.\s*(:\S+)\s*\}\s*(:\S+)$`)
	catchAllPattern   = regexp.MustCompile(`^\.catchall\s*\{\s*(:\S+)\s*\.\.\s*(:\S+)\s*\}\s*(:\S+)$`)
	methodStart       = regexp.MustCompile(`^\.method\s+(.*)$`)
	classPattern      = regexp.MustCompile(`^\.class\s+.*?(L\S+;)$`)
)

// Parse walks src once per table (labels first, so forward references in
// .catch ranges resolve, then everything else), building the immutable
// structures the Executor consumes. The entry method defaults to the first
// .method block encountered, or a single synthetic method spanning the whole
// file when no .method directive is present; a bare instruction listing has
// no method wrapper at all.
func Parse(src *Source) (*Program, error) {
	p := &Program{
		Lines:          src.Lines,
		labels:         map[string]int{},
		packedSwitches: map[string]*PackedSwitch{},
		arrayData:      map[string]*ArrayData{},
		methods:        map[string]*Method{},
		skip:           map[int]bool{},
	}

	if err := p.collectLabels(); err != nil {
		return nil, err
	}
	if err := p.collectStructure(); err != nil {
		return nil, err
	}
	if err := p.verifyJumpTargets(); err != nil {
		return nil, err
	}

	if len(p.methods) == 0 {
		m := &Method{StartLine: 0, EndLine: len(p.Lines)}
		p.methods[""] = m
		p.Entry = m
	} else {
		// Default entry is the first .method block encountered in the file,
		// not the alphabetically first signature.
		for _, m := range p.methods {
			if p.Entry == nil || m.StartLine < p.Entry.StartLine {
				p.Entry = m
			}
		}
	}
	return p, nil
}

// SelectEntry overrides the default entry method by Smali signature.
func (p *Program) SelectEntry(signature string) error {
	m, ok := p.methods[signature]
	if !ok {
		return errors.Errorf("no method with signature %q", signature)
	}
	p.Entry = m
	return nil
}

// collectLabels makes a first pass binding every `:label` line to the index
// of the instruction following it, skipping over packed-switch and
// array-data bodies so their case-label tokens aren't mistaken for label
// definitions.
func (p *Program) collectLabels() error {
	i := 0
	for i < len(p.Lines) {
		text := p.Lines[i].Text
		switch {
		case labelLinePattern.MatchString(text):
			m := labelLinePattern.FindStringSubmatch(text)
			p.labels[":"+m[1]] = i + 1
			i++
		case packedSwitchStart.MatchString(text):
			var err error
			i, err = skipBlock(p.Lines, i, ".end packed-switch")
			if err != nil {
				return err
			}
		case arrayDataStart.MatchString(text):
			var err error
			i, err = skipBlock(p.Lines, i, ".end array-data")
			if err != nil {
				return err
			}
		default:
			i++
		}
	}
	return nil
}

func skipBlock(lines []SourceLine, start int, endMarker string) (int, error) {
	i := start + 1
	for i < len(lines) && lines[i].Text != endMarker {
		i++
	}
	if i >= len(lines) {
		return 0, newParseError(lines[start].Index, lines[start].Text, errors.Errorf("missing %s", endMarker))
	}
	return i + 1, nil
}

// collectStructure makes the second pass: packed-switch tables, array-data
// tables, catch ranges, and method boundaries. Labels are already fully
// resolved by collectLabels, so a .catch directive may reference a handler
// label defined later in the file.
func (p *Program) collectStructure() error {
	lastLabel := ""
	className := ""
	// stopAt is "" here, so collectDirectives never stops short: it either
	// runs to len(p.Lines) or returns the first structural error.
	_, err := p.collectDirectives(0, "", &lastLabel, &className)
	return err
}

// collectDirectives walks lines from i, dispatching every structural
// directive (labels, packed-switch/array-data tables, catch blocks, nested
// .method blocks) exactly the same way whether the lines being walked are at
// file scope or inside a .method body: a .locals/.prologue/.catch/
// .packed-switch occurring between .method and .end method must be skipped
// and registered exactly like one occurring outside any method, since that
// is how every disassembler-produced method body actually looks. It stops,
// without consuming, at the first line equal to stopAt
// (used by collectMethod to find its own ".end method"), or runs to
// len(p.Lines) when stopAt is "".
func (p *Program) collectDirectives(i int, stopAt string, lastLabel, className *string) (int, error) {
	for i < len(p.Lines) {
		line := p.Lines[i]
		text := line.Text
		if stopAt != "" && text == stopAt {
			return i, nil
		}

		switch {
		case labelLinePattern.MatchString(text):
			m := labelLinePattern.FindStringSubmatch(text)
			*lastLabel = ":" + m[1]
			p.skip[i] = true
			i++

		case classPattern.MatchString(text):
			m := classPattern.FindStringSubmatch(text)
			*className = m[1]
			p.skip[i] = true
			i++

		case packedSwitchStart.MatchString(text):
			m := packedSwitchStart.FindStringSubmatch(text)
			first, err := parseLiteral(m[1])
			if err != nil {
				return 0, newParseError(line.Index, text, err)
			}
			table := &PackedSwitch{FirstValue: first}
			p.skip[i] = true
			i++
			for i < len(p.Lines) && p.Lines[i].Text != ".end packed-switch" {
				table.Cases = append(table.Cases, strings.Fields(p.Lines[i].Text)...)
				p.skip[i] = true
				i++
			}
			p.skip[i] = true // .end packed-switch
			i++
			if *lastLabel == "" {
				return 0, newParseError(line.Index, text, errors.New("packed-switch table with no preceding label"))
			}
			p.packedSwitches[*lastLabel] = table

		case arrayDataStart.MatchString(text):
			m := arrayDataStart.FindStringSubmatch(text)
			width, err := strconv.Atoi(strings.TrimSuffix(m[1], "t"))
			if err != nil {
				return 0, newParseError(line.Index, text, err)
			}
			data := &ArrayData{ElementWidth: width}
			p.skip[i] = true
			i++
			for i < len(p.Lines) && p.Lines[i].Text != ".end array-data" {
				for _, tok := range strings.Fields(p.Lines[i].Text) {
					v, err := parseLiteral(tok)
					if err != nil {
						return 0, newParseError(p.Lines[i].Index, p.Lines[i].Text, err)
					}
					data.Elements = append(data.Elements, v)
				}
				p.skip[i] = true
				i++
			}
			p.skip[i] = true // .end array-data
			i++
			if *lastLabel == "" {
				return 0, newParseError(line.Index, text, errors.New("array-data table with no preceding label"))
			}
			p.arrayData[*lastLabel] = data

		case catchAllPattern.MatchString(text):
			m := catchAllPattern.FindStringSubmatch(text)
			start, end, err := p.resolveCatchRange(line, m[1], m[2])
			if err != nil {
				return 0, err
			}
			p.catchBlocks = append(p.catchBlocks, CatchBlock{
				StartLine: start, EndLine: end, HandlerLabel: m[3], CatchAll: true,
			})
			p.skip[i] = true
			i++

		case catchPattern.MatchString(text):
			m := catchPattern.FindStringSubmatch(text)
			start, end, err := p.resolveCatchRange(line, m[2], m[3])
			if err != nil {
				return 0, err
			}
			p.catchBlocks = append(p.catchBlocks, CatchBlock{
				StartLine: start, EndLine: end, ExceptionType: m[1], HandlerLabel: m[4],
			})
			p.skip[i] = true
			i++

		case methodStart.MatchString(text):
			var err error
			i, err = p.collectMethod(i, *className, lastLabel, className)
			if err != nil {
				return 0, err
			}

		case text == ".end method":
			// Only reached for an .end method with no matching .method;
			// collectMethod stops at its own ".end method" via stopAt before
			// the switch ever sees it, and consumes it afterward.
			return 0, newParseError(line.Index, text, errors.New("unmatched .end method"))

		case strings.HasPrefix(text, "."):
			// Tolerate directives outside this emulator's scope (.locals,
			// .registers, .prologue, .line, .param, .annotation) as no-ops,
			// whether they appear at file scope or inside a method body.
			p.skip[i] = true
			i++

		default:
			i++
		}
	}
	return i, nil
}

func (p *Program) resolveCatchRange(line SourceLine, startLabel, endLabel string) (int, int, error) {
	start, ok := p.labels[startLabel]
	if !ok {
		return 0, 0, newParseError(line.Index, line.Text, errors.Errorf("unresolved catch range start %q", startLabel))
	}
	end, ok := p.labels[endLabel]
	if !ok {
		return 0, 0, newParseError(line.Index, line.Text, errors.Errorf("unresolved catch range end %q", endLabel))
	}
	return start, end, nil
}

// collectMethod parses a .method ... .end method block starting at index i,
// returning the index of the line following .end method. The body between
// the header and ".end method" is walked through collectDirectives exactly
// like file-scope lines, so a .locals directive right after .method (how
// every disassembled method opens) gets marked skip, and any packed-switch,
// array-data, or catch block declared inside the method body is registered
// instead of silently skipped over.
func (p *Program) collectMethod(i int, className string, lastLabel, classNamePtr *string) (int, error) {
	startLine := p.Lines[i]
	m := methodStart.FindStringSubmatch(startLine.Text)
	header := m[1]
	p.skip[i] = true
	i++

	fields := strings.Fields(header)
	if len(fields) == 0 {
		return 0, newParseError(startLine.Index, startLine.Text, errors.New("empty .method header"))
	}
	descriptor := fields[len(fields)-1]
	modifiers := fields[:len(fields)-1]
	isStatic := false
	for _, mod := range modifiers {
		if mod == "static" {
			isStatic = true
		}
	}

	name, params, ret, err := parseMethodDescriptor(descriptor)
	if err != nil {
		return 0, newParseError(startLine.Index, startLine.Text, err)
	}

	method := &Method{Name: name, IsStatic: isStatic, StartLine: i}
	pIdx := 0
	if !isStatic {
		method.Params = append(method.Params, "p0")
		pIdx = 1
	}
	for range params {
		method.Params = append(method.Params, "p"+strconv.Itoa(pIdx))
		pIdx++
	}

	method.Signature = className + "->" + name + "(" + strings.Join(params, "") + ")" + ret

	i, err = p.collectDirectives(i, ".end method", lastLabel, classNamePtr)
	if err != nil {
		return 0, err
	}
	if i >= len(p.Lines) {
		return 0, newParseError(startLine.Index, startLine.Text, errors.New("missing .end method"))
	}
	method.EndLine = i
	p.skip[i] = true
	i++

	p.methods[method.Signature] = method
	return i, nil
}

// parseMethodDescriptor splits "name(args)ret" into its three parts and the
// args descriptor into individual JVM type descriptors.
func parseMethodDescriptor(descriptor string) (name string, params []string, ret string, err error) {
	open := strings.IndexByte(descriptor, '(')
	closeIdx := strings.IndexByte(descriptor, ')')
	if open < 0 || closeIdx < 0 || closeIdx < open {
		return "", nil, "", errors.Errorf("malformed method descriptor %q", descriptor)
	}
	name = descriptor[:open]
	ret = descriptor[closeIdx+1:]
	params = splitTypeDescriptors(descriptor[open+1 : closeIdx])
	return name, params, ret, nil
}

// splitTypeDescriptors implements the standard JVM descriptor grammar: a run
// of '[' for array depth, then either a single primitive letter or an
// 'L...;' class name.
func splitTypeDescriptors(s string) []string {
	var out []string
	i := 0
	for i < len(s) {
		start := i
		for i < len(s) && s[i] == '[' {
			i++
		}
		if i >= len(s) {
			break
		}
		if s[i] == 'L' {
			for i < len(s) && s[i] != ';' {
				i++
			}
			if i < len(s) {
				i++
			}
		} else {
			i++
		}
		out = append(out, s[start:i])
	}
	return out
}

// verifyJumpTargets rejects a program in which any goto, if-*,
// packed-switch, or catch-handler target fails to resolve in labels.
func (p *Program) verifyJumpTargets() error {
	checkLabel := func(label string) error {
		if _, ok := p.labels[label]; !ok {
			return errors.Errorf("unresolved jump target %q", label)
		}
		return nil
	}
	for _, line := range p.Lines {
		mnemonic, operandText := splitMnemonic(line.Text)
		switch {
		case mnemonic == "goto" || mnemonic == "goto/16" || mnemonic == "goto/32":
			if err := checkLabel(strings.TrimSpace(operandText)); err != nil {
				return newParseError(line.Index, line.Text, err)
			}
		case strings.HasPrefix(mnemonic, "if-"):
			ops := splitOperands(operandText)
			if len(ops) > 0 {
				if err := checkLabel(ops[len(ops)-1]); err != nil {
					return newParseError(line.Index, line.Text, err)
				}
			}
		case mnemonic == "packed-switch":
			ops := splitOperands(operandText)
			if len(ops) == 2 {
				if _, ok := p.packedSwitches[ops[1]]; !ok {
					return newParseError(line.Index, line.Text, errors.Errorf("unresolved packed-switch table %q", ops[1]))
				}
			}
		}
	}
	for _, cb := range p.catchBlocks {
		if err := checkLabel(cb.HandlerLabel); err != nil {
			return err
		}
	}
	for _, table := range p.packedSwitches {
		for _, c := range table.Cases {
			if err := checkLabel(c); err != nil {
				return err
			}
		}
	}
	return nil
}
