// Package prompt renders continuation messages injected into stalled agent
// sessions. The template is owned by whoever configures the supervisor; this
// package only supplies the variable values and a sensible default.
package prompt

import (
	"fmt"
	"strings"
	"text/template"
)

// Vars are the substitution values available to a continuation template.
type Vars struct {
	TaskID     string
	TaskTitle  string
	Iteration  int
	MaxIter    int
	Trigger    string
	Conclusion string

	// Hints guide the agent's next attempt. Error retries carry the
	// analyzer's error evidence; gate fallbacks carry failing gate names.
	Hints []string

	// Notes are accumulated context carried on the continuation record.
	Notes []string
}

const defaultTemplate = `Continuing task {{.TaskID}}{{if .TaskTitle}} ({{.TaskTitle}}){{end}}, attempt {{.Iteration}} of {{.MaxIter}}.
The previous attempt stopped: {{.Conclusion}} (trigger: {{.Trigger}}).
{{- if .Hints}}
Before continuing, address the following:
{{- range .Hints}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Notes}}
Context from earlier attempts:
{{- range .Notes}}
- {{.}}
{{- end}}
{{- end}}
Please continue working on the task. When it is done, say so explicitly.
`

// Renderer builds continuation messages from a compiled template.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer compiles a custom template. Template text uses the fields of
// Vars.
func NewRenderer(text string) (*Renderer, error) {
	tmpl, err := template.New("continuation").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse continuation template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// NewDefaultRenderer returns a renderer using the built-in template.
func NewDefaultRenderer() *Renderer {
	return &Renderer{tmpl: template.Must(template.New("continuation").Parse(defaultTemplate))}
}

// Render substitutes vars into the template. The result always ends with a
// single trailing newline so it lands in the pty as a submitted line.
func (r *Renderer) Render(vars Vars) (string, error) {
	var sb strings.Builder
	if err := r.tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("failed to render continuation message: %w", err)
	}
	out := strings.TrimRight(sb.String(), "\n") + "\n"
	return out, nil
}
