package email

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const defaultSMTPPort = 587

// Recipients lists envelope recipients. Bcc never appears in headers.
type Recipients struct {
	To  []string `json:"to" validate:"required,min=1,dive,email"`
	Cc  []string `json:"cc" validate:"dive,email"`
	Bcc []string `json:"bcc" validate:"dive,email"`
}

// Destination is the decoded destination_config of an email job.
type Destination struct {
	SMTPHost        string     `json:"smtp_host" validate:"required,hostname_rfc1123|ip"`
	SMTPPort        int        `json:"smtp_port" validate:"min=0,max=65535"`
	Username        string     `json:"username"`
	Password        string     `json:"password"`
	StartTLS        *bool      `json:"starttls"`
	From            string     `json:"from" validate:"omitempty,email"`
	Recipients      Recipients `json:"recipients"`
	SubjectTemplate string     `json:"subject_template"`
	BodyTemplate    string     `json:"body_template"`
	HTMLTemplate    string     `json:"html_template"`
}

// UseStartTLS reports whether STARTTLS is required. It defaults to true.
func (d *Destination) UseStartTLS() bool {
	return d.StartTLS == nil || *d.StartTLS
}

var validate = validator.New()

// ParseDestination decodes and validates raw, filling the default port.
func ParseDestination(raw json.RawMessage) (*Destination, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("email: destination config is empty")
	}
	var d Destination
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("email: invalid destination config: %w", err)
	}
	d.SMTPHost = strings.TrimSpace(d.SMTPHost)
	if d.SMTPPort == 0 {
		d.SMTPPort = defaultSMTPPort
	}
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("email: invalid destination config: %w", err)
	}
	return &d, nil
}

// envelopeRecipients is the de-duplicated union of to, cc and bcc, in that
// order. Addresses compare case-insensitively.
func envelopeRecipients(r Recipients) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(r.To)+len(r.Cc)+len(r.Bcc))
	for _, group := range [][]string{r.To, r.Cc, r.Bcc} {
		for _, raw := range group {
			addr := strings.TrimSpace(raw)
			if addr == "" {
				continue
			}
			key := strings.ToLower(addr)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
