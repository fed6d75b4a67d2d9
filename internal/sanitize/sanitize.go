// Package sanitize turns raw model output into a runnable single-file
// React client component.
//
// Sanitize is pure and idempotent. Every pass removes only lines it can
// classify with certainty; when a line is ambiguous it is kept, so a miss
// leaves harmless prose in the file rather than deleting code.
package sanitize

import (
	"regexp"
	"strings"
)

// Directive is the client-execution marker every output starts with.
const Directive = "'use client';"

// maxCleanupRounds bounds the fixpoint loop. Each round only removes
// lines, so it converges well before this in practice.
const maxCleanupRounds = 8

var (
	fenceLine     = regexp.MustCompile("^```[A-Za-z0-9_+#.-]*$")
	directiveLine = regexp.MustCompile(`^['"]use client['"]\s*;?$`)
	defaultExport = regexp.MustCompile(`(?m)^\s*export\s+default\b`)
	declaration   = regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?(?:function\s*\*?\s*|class\s+|(?:const|let|var)\s+)([A-Z][A-Za-z0-9_$]*)`)
	reactImport   = regexp.MustCompile(`(?:from\s+['"]react['"]|require\(\s*['"]react['"]\s*\)|import\s+['"]react['"])`)
	reactGlobal   = regexp.MustCompile(`\bReact\.`)
	jsxTag        = regexp.MustCompile(`<(?:[A-Za-z][A-Za-z0-9.]*(?:[\s/>])|>)`)
	bareHook      = regexp.MustCompile(`(?:^|[^.\w$])(use(?:State|Effect|Memo|Callback|Ref|Reducer|Context|LayoutEffect|Id|Transition|DeferredValue))\s*[(<]`)
)

// hookOrder fixes the order named imports are emitted in.
var hookOrder = []string{
	"useState", "useEffect", "useMemo", "useCallback", "useRef", "useReducer",
	"useContext", "useLayoutEffect", "useId", "useTransition", "useDeferredValue",
}

// Sanitize converts raw generated text into component source. It never
// fails; in the worst case it returns the input nearly unchanged plus the
// directive, import and export lines.
func Sanitize(raw string) string {
	text := raw
	for range maxCleanupRounds {
		next := cleanup(text)
		if next == text {
			break
		}
		text = next
	}

	body := text
	var parts []string
	parts = append(parts, Directive)
	if imp := missingReactImport(body); imp != "" {
		parts = append(parts, imp)
	}
	if body != "" {
		parts = append(parts, body)
	}
	out := strings.Join(parts, "\n\n")
	if name := defaultExportCandidate(out); name != "" {
		out += "\n\nexport default " + name + ";"
	}
	return out + "\n"
}

// cleanup runs the line-removal passes once.
func cleanup(text string) string {
	text = strings.TrimSpace(text)
	text = stripFences(text)
	text = stripDirectives(text)
	text = stripProse(text)
	text = stripComments(text)
	return strings.TrimSpace(text)
}

// stripFences drops markdown fence lines. A line made of nothing but a
// fence marker cannot be valid code, so every such line goes, not only
// the outermost pair.
func stripFences(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if fenceLine.MatchString(strings.TrimSpace(l)) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

// stripProse removes the leading and trailing runs of prose lines that
// sit at top level. Prose in the middle of a file is left alone because
// JSX text between tags has the same shape.
func stripProse(text string) string {
	lines := strings.Split(text, "\n")

	start := 0
	for start < len(lines) {
		t := strings.TrimSpace(lines[start])
		if t != "" && !isProse(t) {
			break
		}
		start++
	}
	lines = lines[start:]

	states := scanLines(lines)
	end := len(lines)
	for end > 0 {
		t := strings.TrimSpace(lines[end-1])
		if t != "" && (!states[end-1].topLevel() || !isProse(t)) {
			break
		}
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// stripComments removes whole-line comments that start in code state.
// Inline trailing comments are kept: without a JSX parser a `//` after
// code may be text inside markup. For the same reason a `//` line that
// follows a tag or markup text is kept.
func stripComments(text string) string {
	lines := strings.Split(text, "\n")
	states := scanLines(lines)

	var kept []string
	for i := 0; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if !states[i].inCode() {
			kept = append(kept, lines[i])
			continue
		}
		switch {
		case strings.HasPrefix(t, "///"):
		case strings.HasPrefix(t, "//"):
			if !isPragma(t) && !followsMarkup(kept) {
				continue
			}
		case strings.HasPrefix(t, "/*"):
			if end, ok := blockEnd(lines, i, "/*", "*/"); ok {
				i = end
				continue
			}
		case strings.HasPrefix(t, "{/*"):
			if end, ok := blockEnd(lines, i, "{/*", "*/}"); ok {
				i = end
				continue
			}
		}
		kept = append(kept, lines[i])
	}
	return strings.Join(kept, "\n")
}

// blockEnd finds the line closing a comment opened at the start of line
// i. The comment qualifies only if nothing but whitespace follows the
// closer and it is not a pragma.
func blockEnd(lines []string, i int, open, close string) (int, bool) {
	first := strings.TrimSpace(lines[i])[len(open):]
	var body strings.Builder
	for j := i; j < len(lines); j++ {
		seg := lines[j]
		if j == i {
			seg = first
		}
		if k := strings.Index(seg, close); k >= 0 {
			body.WriteString(seg[:k])
			if strings.TrimSpace(seg[k+len(close):]) != "" {
				return 0, false
			}
			if isPragma(body.String()) {
				return 0, false
			}
			return j, true
		}
		body.WriteString(seg)
		body.WriteByte('\n')
	}
	return 0, false
}

// followsMarkup reports whether the last non-blank kept line leaves the
// next line in JSX children: it ends in a tag close, is a `//` line kept
// as text, or carries no code signal at all.
func followsMarkup(kept []string) bool {
	for i := len(kept) - 1; i >= 0; i-- {
		t := strings.TrimSpace(kept[i])
		if t == "" {
			continue
		}
		if strings.HasSuffix(t, ">") {
			return !strings.HasSuffix(t, "=>")
		}
		if strings.HasPrefix(t, "//") {
			return !isPragma(t)
		}
		return !looksLikeCode(t)
	}
	return false
}

func isPragma(comment string) bool {
	for _, p := range []string{"@jsx", "@ts-", "eslint", "prettier-ignore", "@refresh", "#region", "#endregion"} {
		if strings.Contains(comment, p) {
			return true
		}
	}
	return false
}

// stripDirectives removes top-level directive lines so the directive can
// be emitted once, first.
func stripDirectives(text string) string {
	lines := strings.Split(text, "\n")
	states := scanLines(lines)
	kept := lines[:0:0]
	for i, l := range lines {
		if states[i].topLevel() && directiveLine.MatchString(strings.TrimSpace(l)) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// missingReactImport returns the import line to add when React is used
// but never imported, or "".
func missingReactImport(body string) string {
	if reactImport.MatchString(body) {
		return ""
	}
	seen := map[string]bool{}
	for _, m := range bareHook.FindAllStringSubmatch(body, -1) {
		seen[m[1]] = true
	}
	if len(seen) == 0 && !reactGlobal.MatchString(body) && !jsxTag.MatchString(body) {
		return ""
	}
	var hooks []string
	for _, h := range hookOrder {
		if seen[h] {
			hooks = append(hooks, h)
		}
	}
	if len(hooks) == 0 {
		return "import React from 'react';"
	}
	return "import React, { " + strings.Join(hooks, ", ") + " } from 'react';"
}

// defaultExportCandidate returns the declaration to export by default,
// or "" when the source already has a default export or has no
// capitalized top-level declaration.
func defaultExportCandidate(src string) string {
	if defaultExport.MatchString(src) {
		return ""
	}
	lines := strings.Split(src, "\n")
	states := scanLines(lines)
	for i, l := range lines {
		if !states[i].topLevel() {
			continue
		}
		m := declaration.FindStringSubmatch(l)
		if m == nil || isConstantName(m[1]) {
			continue
		}
		return m[1]
	}
	return ""
}

// isConstantName reports SCREAMING_CASE identifiers such as QUIZ_DATA,
// which are data tables rather than components.
func isConstantName(name string) bool {
	if len(name) < 2 {
		return false
	}
	return strings.ToUpper(name) == name
}
