package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Destination is the decoded destination_config of a webhook job.
type Destination struct {
	URL             string            `json:"url" validate:"required,url"`
	Method          string            `json:"method" validate:"omitempty,oneof=POST PUT PATCH"`
	Headers         map[string]string `json:"headers"`
	Secret          string            `json:"secret"`
	ContentEncoding string            `json:"content_encoding" validate:"omitempty,oneof=gzip identity"`
	TimeoutSeconds  int               `json:"timeout_seconds" validate:"min=0,max=300"`
}

// reservedHeaders cannot be overridden from destination config.
var reservedHeaders = map[string]struct{}{
	"Content-Type":      {},
	"Content-Encoding":  {},
	"Content-Length":    {},
	"Host":              {},
	"User-Agent":        {},
	"X-Fleet-Delivery":  {},
	"X-Fleet-Timestamp": {},
}

var validate = validator.New()

// ParseDestination decodes and validates raw.
func ParseDestination(raw json.RawMessage) (*Destination, *url.URL, error) {
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("webhook: destination config is empty")
	}
	var d Destination
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, nil, fmt.Errorf("webhook: invalid destination config: %w", err)
	}
	d.Method = strings.ToUpper(strings.TrimSpace(d.Method))
	if d.Method == "" {
		d.Method = http.MethodPost
	}
	if err := validate.Struct(d); err != nil {
		return nil, nil, fmt.Errorf("webhook: invalid destination config: %w", err)
	}

	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("webhook: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, fmt.Errorf("webhook: url scheme %q is not http or https", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, nil, fmt.Errorf("webhook: url has no host")
	}
	return &d, u, nil
}
