package mailer

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

const (
	DefaultSubjectTemplate = `[Reminder] {{.Title}} due {{fmtTime .Deadline}}`
	DefaultBodyTemplate    = `Hello {{.AssigneeName}},

This is a reminder that "{{.Title}}" is due {{fmtTime .Deadline}}.
{{- with .Description}}

{{.}}
{{- end}}

Period: {{fmtDate .PeriodStart}} to {{fmtDate .PeriodEnd}}

Please record the completion once it is done.
`
)

var funcs = template.FuncMap{
	"fmtTime": func(t time.Time) string { return t.Format("2006-01-02 15:04 MST") },
	"fmtDate": func(t time.Time) string { return t.Format("2006-01-02") },
}

// Templates renders reminder messages.
type Templates struct {
	subject *template.Template
	body    *template.Template
}

// ParseTemplates compiles the subject and body templates; empty means default.
func ParseTemplates(subject, body string) (*Templates, error) {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubjectTemplate
	}
	if strings.TrimSpace(body) == "" {
		body = DefaultBodyTemplate
	}
	st, err := template.New("subject").Funcs(funcs).Option("missingkey=error").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	bt, err := template.New("body").Funcs(funcs).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Templates{subject: st, body: bt}, nil
}

// Render builds the message for r.
func (t *Templates) Render(r Reminder) (Message, error) {
	var sb, bb bytes.Buffer
	if err := t.subject.Execute(&sb, r); err != nil {
		return Message{}, fmt.Errorf("execute subject template: %w", err)
	}
	if err := t.body.Execute(&bb, r); err != nil {
		return Message{}, fmt.Errorf("execute body template: %w", err)
	}
	// Header injection guard: a subject is one line.
	subject := strings.Join(strings.Fields(sb.String()), " ")
	return Message{To: r.To, Subject: subject, Body: bb.String()}, nil
}
