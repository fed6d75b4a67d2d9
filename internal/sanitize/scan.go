package sanitize

// frameKind identifies what opened an entry on the scanner stack.
type frameKind int

const (
	frameTemplate frameKind = iota // inside a `template literal`
	frameInterp                    // inside a ${ ... } interpolation
)

type frame struct {
	kind  frameKind
	depth int // bracket depth to return to when an interpolation closes
}

// scanState is the lexical state at a line boundary. Single- and
// double-quoted strings never span lines, so they are not part of it.
type scanState struct {
	depth   int
	inBlock bool
	stack   []frame
}

func (s scanState) clone() scanState {
	c := s
	c.stack = append([]frame(nil), s.stack...)
	return c
}

// inCode reports whether the state is ordinary code: not inside a block
// comment and not inside the text part of a template literal.
func (s scanState) inCode() bool {
	if s.inBlock {
		return false
	}
	return len(s.stack) == 0 || s.stack[len(s.stack)-1].kind == frameInterp
}

// topLevel reports whether the state is code outside any nesting.
func (s scanState) topLevel() bool {
	return !s.inBlock && len(s.stack) == 0 && s.depth == 0
}

// scanLines returns the state at the start of each line. It is a
// deliberately small lexer: regex literals and JSX text are not
// recognised, and any confusion they cause only ever makes the state
// look less like top-level code, which makes the later passes keep more.
func scanLines(lines []string) []scanState {
	states := make([]scanState, len(lines))
	var st scanState
	for i, line := range lines {
		states[i] = st.clone()
		st = scanLine(st, line)
	}
	return states
}

func scanLine(st scanState, line string) scanState {
	st = st.clone()
	n := len(line)
	for i := 0; i < n; i++ {
		c := line[i]

		if st.inBlock {
			if c == '*' && i+1 < n && line[i+1] == '/' {
				st.inBlock = false
				i++
			}
			continue
		}

		if len(st.stack) > 0 && st.stack[len(st.stack)-1].kind == frameTemplate {
			switch {
			case c == '\\':
				i++
			case c == '`':
				st.stack = st.stack[:len(st.stack)-1]
			case c == '$' && i+1 < n && line[i+1] == '{':
				st.stack = append(st.stack, frame{kind: frameInterp, depth: st.depth})
				st.depth++
				i++
			}
			continue
		}

		switch c {
		case '/':
			if i+1 < n && line[i+1] == '/' {
				return st
			}
			if i+1 < n && line[i+1] == '*' {
				st.inBlock = true
				i++
			}
		case '\'', '"':
			i = skipQuoted(line, i+1, c)
		case '`':
			st.stack = append(st.stack, frame{kind: frameTemplate})
		case '{', '(', '[':
			st.depth++
		case '}':
			if st.depth > 0 {
				st.depth--
			}
			if len(st.stack) > 0 {
				top := st.stack[len(st.stack)-1]
				if top.kind == frameInterp && st.depth == top.depth {
					st.stack = st.stack[:len(st.stack)-1]
				}
			}
		case ')', ']':
			if st.depth > 0 {
				st.depth--
			}
		}
	}
	return st
}

// skipQuoted returns the index of the closing quote, or the last index of
// the line when the string is unterminated.
func skipQuoted(line string, i int, quote byte) int {
	for ; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case quote:
			return i
		}
	}
	return len(line) - 1
}
