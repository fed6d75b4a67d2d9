package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExportMarkdown renders a lesson, its audit trail and its source as a
// markdown document.
func ExportMarkdown(l *Lesson) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# %s\n\n", l.Title))
	b.WriteString(fmt.Sprintf("- **Lesson:** %s\n", l.ID))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", l.Status))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", l.CreatedAt.Format("2006-01-02 15:04:05")))
	if l.SandboxURL != "" {
		b.WriteString(fmt.Sprintf("- **Sandbox:** %s (%s)\n", l.SandboxURL, l.SandboxID))
	}
	if l.ExecutedAt != nil {
		b.WriteString(fmt.Sprintf("- **Executed:** %s\n", l.ExecutedAt.Format("2006-01-02 15:04:05")))
	}
	if l.ErrorMessage != "" {
		b.WriteString(fmt.Sprintf("- **Error:** %s\n", l.ErrorMessage))
	}
	b.WriteString("\n---\n\n")

	b.WriteString(fmt.Sprintf("## Outline\n\n%s\n\n", l.Outline))

	if len(l.GenerationTrace) > 0 {
		b.WriteString("## Trace\n\n")
		for _, e := range l.GenerationTrace {
			line := fmt.Sprintf("- `%s` %s", e.Timestamp.Format("15:04:05"), e.Step)
			if e.Error != "" {
				line += " (error: " + e.Error + ")"
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if l.Content != "" {
		b.WriteString(fmt.Sprintf("## Component\n\n```tsx\n%s\n```\n", strings.TrimRight(l.Content, "\n")))
	}

	return b.String()
}

// ExportJSON renders a lesson as formatted JSON.
func ExportJSON(l *Lesson) ([]byte, error) {
	return json.MarshalIndent(struct {
		Lesson *Lesson `json:"lesson"`
	}{l}, "", "  ")
}

// ExportYAML renders a lesson as YAML.
func ExportYAML(l *Lesson) ([]byte, error) {
	return yaml.Marshal(struct {
		Lesson *Lesson `yaml:"lesson"`
	}{l})
}
