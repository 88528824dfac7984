package notifier

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/solwatch/watchtower/internal/alerts"
	apperrors "github.com/solwatch/watchtower/pkg/errors"
)

const defaultSubjectTemplate = `[{{ .Severity }}] {{ .Alert.RuleName }}: {{ .Alert.ProgramName | default .Alert.ProgramID }}`

const defaultBodyTemplate = `{{ .Severity }} alert from {{ .Alert.RuleName }}
Program: {{ .Alert.ProgramName | default .Alert.ProgramID }}
Time: {{ .Timestamp }}

{{ .Alert.Message | truncate 500 }}
{{ if .Alert.Metadata }}
Details:
{{ range $key, $value := .Alert.Metadata }}  {{ $key }}: {{ $value }}
{{ end }}{{ end }}{{ if .Alert.SuggestedActions }}
Suggested actions:
{{ range .Alert.SuggestedActions }}  - {{ . }}
{{ end }}{{ end }}`

const defaultBatchTemplate = `{{ .Count }} alerts batched at {{ .Timestamp }}
{{ range .Items }}
[{{ .Severity }}] {{ .Alert.RuleName }} ({{ .Alert.ProgramName | default .Alert.ProgramID }}): {{ .Alert.Message | truncate 200 }}
{{ end }}`

// TemplateData is the render context for a single alert.
type TemplateData struct {
	Alert     *alerts.Alert
	Severity  string
	Color     string
	Timestamp string
}

// BatchData is the render context for a batched message.
type BatchData struct {
	Items     []TemplateData
	Count     int
	Timestamp string
}

// TemplateEngine holds the compiled per-channel templates. Templates
// compile once at startup; a compile failure is fatal.
type TemplateEngine struct {
	subjects map[string]*template.Template
	bodies   map[string]*template.Template
	batch    *template.Template
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"upper": strings.ToUpper,
		"truncate": func(n int, s string) string {
			if n <= 0 || len(s) <= n {
				return s
			}
			if n <= 3 {
				return s[:n]
			}
			return s[:n-3] + "..."
		},
		"default": func(def, val string) string {
			if val == "" {
				return def
			}
			return val
		},
		"severityColor": func(s string) string {
			sev, err := alerts.ParseSeverity(s)
			if err != nil {
				return alerts.SeverityInfo.Color()
			}
			return sev.Color()
		},
	}
}

// NewTemplateEngine compiles the built-in defaults plus any per-channel
// overrides (channel name -> inline template body).
func NewTemplateEngine(overrides map[string]string) (*TemplateEngine, error) {
	e := &TemplateEngine{
		subjects: make(map[string]*template.Template),
		bodies:   make(map[string]*template.Template),
	}

	var err error
	e.subjects[""], err = compile("subject_default", defaultSubjectTemplate)
	if err != nil {
		return nil, err
	}
	e.bodies[""], err = compile("body_default", defaultBodyTemplate)
	if err != nil {
		return nil, err
	}
	e.batch, err = compile("batch_default", defaultBatchTemplate)
	if err != nil {
		return nil, err
	}

	for channel, body := range overrides {
		if body == "" {
			continue
		}
		tmpl, err := compile("body_"+channel, body)
		if err != nil {
			return nil, err
		}
		e.bodies[channel] = tmpl
	}

	return e, nil
}

func compile(name, body string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(templateFuncs()).Parse(body)
	if err != nil {
		return nil, apperrors.E(apperrors.KindConfig, "notifier.templates", fmt.Sprintf("template %q failed to compile", name), err)
	}
	return tmpl, nil
}

// Render produces the subject and body for one alert on one channel.
// A render failure falls back to the plaintext summary; the caller
// counts it.
func (e *TemplateEngine) Render(channel string, alert *alerts.Alert) (subject, body string, err error) {
	data := newTemplateData(alert)

	subject, err = execute(e.subjectFor(channel), data)
	if err != nil {
		return plaintextSummary(alert), plaintextSummary(alert), err
	}
	body, err = execute(e.bodyFor(channel), data)
	if err != nil {
		return subject, plaintextSummary(alert), err
	}
	return subject, body, nil
}

// RenderBatch produces a single message for a batch of alerts.
func (e *TemplateEngine) RenderBatch(batch []*alerts.Alert) (subject, body string, err error) {
	data := BatchData{
		Count:     len(batch),
		Timestamp: time.Now().UTC().Format(time.RFC1123),
	}
	for _, alert := range batch {
		data.Items = append(data.Items, newTemplateData(alert))
	}

	subject = fmt.Sprintf("[BATCH] %d alerts", len(batch))
	body, err = execute(e.batch, data)
	if err != nil {
		var lines []string
		for _, alert := range batch {
			lines = append(lines, plaintextSummary(alert))
		}
		return subject, strings.Join(lines, "\n"), err
	}
	return subject, body, nil
}

func (e *TemplateEngine) subjectFor(channel string) *template.Template {
	if tmpl, ok := e.subjects[channel]; ok {
		return tmpl
	}
	return e.subjects[""]
}

func (e *TemplateEngine) bodyFor(channel string) *template.Template {
	if tmpl, ok := e.bodies[channel]; ok {
		return tmpl
	}
	return e.bodies[""]
}

func newTemplateData(alert *alerts.Alert) TemplateData {
	return TemplateData{
		Alert:     alert,
		Severity:  strings.ToUpper(alert.Severity.String()),
		Color:     alert.Severity.Color(),
		Timestamp: alert.Timestamp.Format(time.RFC1123),
	}
}

func execute(tmpl *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// plaintextSummary is the degraded rendering used when a template
// fails at runtime.
func plaintextSummary(alert *alerts.Alert) string {
	return fmt.Sprintf("[%s] %s (%s): %s",
		strings.ToUpper(alert.Severity.String()),
		alert.RuleName,
		alert.ProgramName,
		alert.Message,
	)
}
