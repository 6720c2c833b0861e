package email

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"

	"fleetrelay/internal/types"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	defaultSubject = template.Must(template.ParseFS(templateFS, "templates/subject.txt"))
	defaultBody    = template.Must(template.ParseFS(templateFS, "templates/body.txt"))
)

// TemplateData is the value templates execute against.
type TemplateData struct {
	TenantID string
	RouteID  string
	JobID    string
	Topic    string
	Payload  map[string]any
}

// Rendered is the content of one message. HTML is empty when the
// destination has no html_template.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

// newTemplateData decodes the job payload. A payload that is not a JSON
// object is exposed as Payload.value.
func newTemplateData(job *types.DeliveryJob) (TemplateData, error) {
	data := TemplateData{
		TenantID: job.TenantID,
		RouteID:  job.RouteID,
		JobID:    job.ID,
		Topic:    job.Topic,
		Payload:  map[string]any{},
	}
	if len(bytes.TrimSpace(job.Payload)) == 0 {
		return data, nil
	}
	var v any
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return data, fmt.Errorf("email: payload is not valid JSON: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		data.Payload = m
	} else {
		data.Payload["value"] = v
	}
	return data, nil
}

// Render executes the destination's templates, falling back to the
// embedded defaults for subject and text body. Destination templates fail
// on missing keys.
func Render(dest *Destination, data TemplateData) (*Rendered, error) {
	subject, err := executeText("subject", dest.SubjectTemplate, defaultSubject, data)
	if err != nil {
		return nil, err
	}
	text, err := executeText("body", dest.BodyTemplate, defaultBody, data)
	if err != nil {
		return nil, err
	}

	out := &Rendered{
		Subject: strings.Join(strings.Fields(subject), " "),
		Text:    text,
	}
	if dest.HTMLTemplate != "" {
		tmpl, err := htmltemplate.New("html").Option("missingkey=error").Parse(dest.HTMLTemplate)
		if err != nil {
			return nil, fmt.Errorf("email: parse html template: %w", err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("email: render html template: %w", err)
		}
		out.HTML = buf.String()
	}
	return out, nil
}

func executeText(name, src string, fallback *template.Template, data TemplateData) (string, error) {
	tmpl := fallback
	if src != "" {
		var err error
		tmpl, err = template.New(name).Option("missingkey=error").Parse(src)
		if err != nil {
			return "", fmt.Errorf("email: parse %s template: %w", name, err)
		}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("email: render %s template: %w", name, err)
	}
	return buf.String(), nil
}
