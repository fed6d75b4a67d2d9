package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		outline string
		want    string
	}{
		{"Long division explanation", "Long division explanation"},
		{"one two three four five six", "one two three four five six"},
		{"A 10 question pop quiz on Florida state history facts",
			"A 10 question pop quiz on..."},
		{"  spaced   out    words  ", "spaced   out    words"},
		{"one  two\tthree four five six seven", "one two three four five six..."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveTitle(tt.outline), tt.outline)
	}
}

func TestNewLesson(t *testing.T) {
	l := NewLesson("Long division explanation")
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, "Long division explanation", l.Title)
	assert.Equal(t, StatusGenerating, l.Status)
	assert.Empty(t, l.Content)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusGenerating, StatusGenerated, true},
		{StatusGenerating, StatusFailed, true},
		{StatusGenerated, StatusGenerated, true},
		{StatusFailed, StatusFailed, true},
		{StatusGenerated, StatusGenerating, false},
		{StatusGenerated, StatusFailed, false},
		{StatusFailed, StatusGenerating, false},
		{StatusFailed, StatusGenerated, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusFailed.Valid())
	assert.False(t, Status("done").Valid())
	assert.True(t, StatusGenerated.Terminal())
	assert.False(t, StatusGenerating.Terminal())
}

func TestLessonUpdateApply(t *testing.T) {
	l := NewLesson("fractions")
	l.ErrorMessage = "old"
	now := time.Now()

	LessonUpdate{
		Status:       Ptr(StatusGenerated),
		ErrorMessage: Ptr(""),
		SandboxID:    Ptr("sbx-1"),
		SandboxURL:   Ptr("https://3000-sbx-1.e2b.app"),
		ExecutedAt:   &now,
	}.Apply(l)

	assert.Equal(t, StatusGenerated, l.Status)
	assert.Empty(t, l.ErrorMessage)
	assert.Equal(t, "sbx-1", l.SandboxID)
	require.NotNil(t, l.ExecutedAt)
	assert.Equal(t, time.UTC, l.ExecutedAt.Location())
	assert.Equal(t, "fractions", l.Title, "unset fields are unchanged")
}

func sampleLesson() *Lesson {
	executed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Lesson{
		ID:         "abc",
		Title:      "Fractions",
		Outline:    "Fractions for kids",
		Content:    "'use client';\n\nexport default function A() {}\n",
		Status:     StatusGenerated,
		SandboxID:  "sbx-1",
		SandboxURL: "https://3000-sbx-1.e2b.app",
		ExecutedAt: &executed,
		GenerationTrace: []TraceEntry{
			{Step: "generation_started", Timestamp: executed},
			{Step: "generation_completed", Timestamp: executed, Details: map[string]any{"total_tokens": 30}},
		},
		CreatedAt: executed,
		UpdatedAt: executed,
	}
}

func TestExportMarkdown(t *testing.T) {
	md := ExportMarkdown(sampleLesson())
	assert.True(t, strings.HasPrefix(md, "# Fractions\n"))
	assert.Contains(t, md, "- **Sandbox:** https://3000-sbx-1.e2b.app (sbx-1)")
	assert.Contains(t, md, "generation_completed")
	assert.Contains(t, md, "```tsx\n'use client';\n\nexport default function A() {}\n```\n")
}

func TestExportJSON(t *testing.T) {
	data, err := ExportJSON(sampleLesson())
	require.NoError(t, err)

	var out struct {
		Lesson Lesson `json:"lesson"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "sbx-1", out.Lesson.SandboxID)
	assert.Len(t, out.Lesson.GenerationTrace, 2)
}

func TestExportYAML(t *testing.T) {
	data, err := ExportYAML(sampleLesson())
	require.NoError(t, err)

	var out map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(data, &out))
	assert.Equal(t, "generated", out["lesson"]["status"])
	assert.Equal(t, "Fractions for kids", out["lesson"]["outline"])
}
