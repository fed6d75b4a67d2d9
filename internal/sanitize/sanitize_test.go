package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var corpus = map[string]string{
	"empty":      "",
	"whitespace": "   \n\t\n",
	"fenced-tsx": "```tsx\nexport default function X(){ return <div/> }\n```",
	"fenced-bare": "```\nfunction Lesson() {\n  return <p>Hi</p>;\n}\n```",
	"chatty": "Here's the component you requested:\n\n```typescript\n" +
		"import React, { useState } from 'react';\n\n" +
		"function Quiz() {\n  const [i, setI] = useState(0);\n  return <div>{i}</div>;\n}\n```\n\n" +
		"This component renders a quiz.\nNote that it uses hooks.",
	"no-import": "function Counter() {\n  const [n, setN] = useState(0);\n  useEffect(() => {}, []);\n  return <button onClick={() => setN(n + 1)}>{n}</button>;\n}",
	"directive-late": "import React from 'react';\n'use client';\n\nexport default function A() { return null; }",
	"comments": "'use client';\n// Explain the data\nconst QUIZ_DATA = [1, 2];\n/* block\n   comment */\nfunction Lesson() {\n  return (\n    <div>\n      {/* JSX note */}\n      <a href=\"http://example.com\">link</a>\n    </div>\n  );\n}",
	"template": "const css = `\n// not a comment\n/* also not */\nThe text stays.\n`;\nfunction Styled() { return <style>{css}</style>; }",
	"jsx-text": "export default function Facts() {\n  return (\n    <p>\n      The sun is a star.\n      Here is another fact.\n    </p>\n  );\n}",
	"trailing-list": "function Lesson() { return <div/>; }\n\n## Features\n- Uses state to track progress\n- Tracks the score",
	"double-fence":  "```\n```js\nconst Widget = () => <span/>;\n```\n```\nThe end.",
	"const-component": "const QUESTIONS = [];\nconst LessonCard = () => <div/>;",
	"no-declaration": "console.log('hi');",
	"pragma":          "// @ts-nocheck\n/** @jsxImportSource react */\nexport default function P() { return <i/>; }",
	"directive-last":  "export default function Quiz() {\n  return <div>Quiz</div>;\n}\nThe component is ready to use.\n'use client';",
	"directive-prose": "'use client';\nHere it starts\nimport React from 'react';\n\nexport default function S() { return <p>s</p>; }",
	"jsx-comment-text": "export default function Comments() {\n  return (\n    <pre>\n      // single-line comments start with two slashes\n      let x = 1;\n    </pre>\n  );\n}",
}

func TestSanitizeIdempotent(t *testing.T) {
	for name, in := range corpus {
		t.Run(name, func(t *testing.T) {
			once := Sanitize(in)
			assert.Equal(t, once, Sanitize(once))
		})
	}
}

func TestSanitizeStartsWithDirective(t *testing.T) {
	for name, in := range corpus {
		t.Run(name, func(t *testing.T) {
			assert.True(t, strings.HasPrefix(Sanitize(in), Directive+"\n"), "output must start with the directive")
		})
	}
}

func TestSanitizeFencedComponent(t *testing.T) {
	out := Sanitize("```tsx\nexport default function X(){...}\n```")

	assert.NotContains(t, out, "`")
	assert.True(t, strings.HasPrefix(out, Directive))
	assert.Equal(t, 1, strings.Count(out, "export default"))
	assert.Contains(t, out, "export default function X(){...}")
}

func TestSanitizeFencePreservesInnerContent(t *testing.T) {
	inner := "import React from 'react';\n\nexport default function Lesson() {\n  return <div>ok</div>;\n}"
	for _, opener := range []string{"```", "```tsx", "```typescript", "```jsx"} {
		out := Sanitize(opener + "\n" + inner + "\n```")
		assert.Equal(t, Directive+"\n\n"+inner+"\n", out, opener)
	}
}

func TestSanitizeAppendsDefaultExport(t *testing.T) {
	out := Sanitize("function Quiz() {\n  return <div/>;\n}")
	assert.True(t, strings.HasSuffix(out, "export default Quiz;\n"))
	assert.Equal(t, 1, strings.Count(out, "export default"))
}

func TestSanitizeSkipsConstantTables(t *testing.T) {
	out := Sanitize(corpus["const-component"])
	assert.Contains(t, out, "export default LessonCard;")
	assert.NotContains(t, out, "export default QUESTIONS")
}

func TestSanitizeNoDeclarationNoExport(t *testing.T) {
	out := Sanitize(corpus["no-declaration"])
	assert.NotContains(t, out, "export default")
	assert.Contains(t, out, "console.log('hi');")
}

func TestSanitizeExistingExportKept(t *testing.T) {
	out := Sanitize("export default function Lesson() { return null; }\nfunction Helper() {}")
	assert.Equal(t, 1, strings.Count(out, "export default"))
}

func TestSanitizeNestedDeclarationIgnored(t *testing.T) {
	out := Sanitize("const data = {\n  const Inner = 1\n};\nfunction Outer() { return <b/>; }")
	assert.Contains(t, out, "export default Outer;")
}

func TestSanitizeRemovesProse(t *testing.T) {
	out := Sanitize(corpus["chatty"])
	assert.NotContains(t, out, "Here's the component")
	assert.NotContains(t, out, "This component renders")
	assert.NotContains(t, out, "Note that")
	assert.Contains(t, out, "function Quiz()")
	assert.Contains(t, out, "export default Quiz;")
}

func TestSanitizeRemovesTrailingMarkdown(t *testing.T) {
	out := Sanitize(corpus["trailing-list"])
	assert.NotContains(t, out, "## Features")
	assert.NotContains(t, out, "Tracks the score")
}

func TestSanitizeKeepsJSXText(t *testing.T) {
	out := Sanitize(corpus["jsx-text"])
	assert.Contains(t, out, "The sun is a star.")
	assert.Contains(t, out, "Here is another fact.")
}

func TestSanitizeKeepsTemplateContents(t *testing.T) {
	out := Sanitize(corpus["template"])
	assert.Contains(t, out, "// not a comment")
	assert.Contains(t, out, "/* also not */")
	assert.Contains(t, out, "The text stays.")
}

func TestSanitizeStripsComments(t *testing.T) {
	out := Sanitize(corpus["comments"])
	assert.NotContains(t, out, "Explain the data")
	assert.NotContains(t, out, "block")
	assert.NotContains(t, out, "JSX note")
	assert.Contains(t, out, `<a href="http://example.com">link</a>`)
}

func TestSanitizeDirectiveDoesNotShieldProse(t *testing.T) {
	out := Sanitize(corpus["directive-last"])
	assert.NotContains(t, out, "The component is ready to use.")
	assert.Equal(t, 1, strings.Count(out, "use client"))
	assert.Equal(t, out, Sanitize(out))

	out = Sanitize(corpus["directive-prose"])
	assert.NotContains(t, out, "Here it starts")
	assert.Equal(t, Directive+"\n\nimport React from 'react';\n\nexport default function S() { return <p>s</p>; }\n", out)
}

func TestSanitizeKeepsCommentShapedJSXText(t *testing.T) {
	out := Sanitize(corpus["jsx-comment-text"])
	assert.Contains(t, out, "// single-line comments start with two slashes")
	assert.Contains(t, out, "let x = 1;")

	out = Sanitize("const Row = () =>\n  // arrow body\n  <tr/>;")
	assert.NotContains(t, out, "arrow body")
}

func TestSanitizeKeepsPragmas(t *testing.T) {
	out := Sanitize(corpus["pragma"])
	assert.Contains(t, out, "// @ts-nocheck")
	assert.Contains(t, out, "/** @jsxImportSource react */")
}

func TestSanitizeKeepsInlineComments(t *testing.T) {
	out := Sanitize("function A() {\n  const x = 1; // counter\n  return <p>{x}</p>;\n}")
	assert.Contains(t, out, "const x = 1; // counter")
}

func TestSanitizeAddsReactImportWithHooks(t *testing.T) {
	out := Sanitize(corpus["no-import"])
	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, Directive, lines[0])
	assert.Equal(t, "import React, { useState, useEffect } from 'react';", lines[2])
}

func TestSanitizeAddsPlainReactImport(t *testing.T) {
	out := Sanitize("function A() { return <div/>; }")
	assert.Contains(t, out, "\nimport React from 'react';\n")
}

func TestSanitizeNoImportWithoutReact(t *testing.T) {
	out := Sanitize("function add(a, b) { return a + b; }")
	assert.NotContains(t, out, "import React")
}

func TestSanitizeMovesDirective(t *testing.T) {
	out := Sanitize(corpus["directive-late"])
	assert.True(t, strings.HasPrefix(out, Directive+"\n\nimport React from 'react';"))
	assert.Equal(t, 1, strings.Count(out, "use client"))
}

func TestSanitizeDoubleFence(t *testing.T) {
	out := Sanitize(corpus["double-fence"])
	assert.NotContains(t, out, "```")
	assert.NotContains(t, out, "The end.")
	assert.Contains(t, out, "export default Widget;")
}

func TestIsProse(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"Here's your lesson:", true},
		{"Please note the following", true},
		{"The component is interactive", true},
		{"An interactive quiz", true},
		{"Great, here it is", true},
		{"## Usage", true},
		{"- Shows progress", true},
		{"**Important:** read this", true},
		{"The = 5", false},
		{"Here(1)", false},
		{"This component uses <div>", false},
		{"The loop runs for each item", false},
		{"const a = 1;", false},
		{"x", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isProse(tt.line), tt.line)
	}
}

func TestScanLinesTracksNesting(t *testing.T) {
	lines := []string{
		"const a = `x ${b({",
		"  c: 1",
		"})} y",
		"`;",
		"/* start",
		"end */ f();",
		"g('it''s');",
	}
	states := scanLines(lines)
	assert.True(t, states[0].topLevel())
	assert.True(t, states[1].inCode())
	assert.False(t, states[1].topLevel())
	assert.False(t, states[3].inCode(), "inside template text")
	assert.True(t, states[4].topLevel())
	assert.False(t, states[5].inCode(), "inside block comment")
	assert.True(t, states[6].topLevel())
}
