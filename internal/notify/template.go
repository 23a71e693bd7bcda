package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/and161185/citadel/internal/model"
)

const (
	defaultSubject = `Deactivation requested for {{.Request.Identifier}} on {{.Request.DeviceID}}`
	defaultBody    = `Hello {{if .User.Name}}{{.User.Name}}{{else}}{{.User.Email}}{{end}},

An agent installed as "{{.Request.Identifier}}" on device "{{.Request.DeviceID}}"
asked to be deactivated at {{.Request.CreatedAt.UTC.Format "2006-01-02 15:04:05 MST"}}.

The agent keeps running until an administrator grants request #{{.Request.ID}}.
If you did not start this uninstall, contact your administrator.

Reference: {{.EventID}}
`
)

// Templates renders notification messages.
type Templates struct {
	subject *template.Template
	body    *template.Template
}

// ParseTemplates compiles subject and body templates.
func ParseTemplates(subject, body string) (*Templates, error) {
	s, err := template.New("subject").Option("missingkey=error").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("notify: subject template: %w", err)
	}
	b, err := template.New("body").Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("notify: body template: %w", err)
	}
	return &Templates{subject: s, body: b}, nil
}

// DefaultTemplates returns the built-in deactivation request message.
func DefaultTemplates() (*Templates, error) {
	return ParseTemplates(defaultSubject, defaultBody)
}

type templateData struct {
	User    *model.User
	Request model.DeactivationRequest
	EventID string
}

// Render builds the message for the owner of the request.
func (t *Templates) Render(u *model.User, ev Event) (Message, error) {
	data := templateData{User: u, Request: ev.Request, EventID: ev.ID.String()}

	var subj, body bytes.Buffer
	if err := t.subject.Execute(&subj, data); err != nil {
		return Message{}, err
	}
	if err := t.body.Execute(&body, data); err != nil {
		return Message{}, err
	}
	return Message{
		To:      u.Email,
		Subject: strings.Join(strings.Fields(subj.String()), " "),
		Body:    body.String(),
	}, nil
}
