// Package webhook delivers jobs as signed HTTP requests.
//
// The body is the job payload re-encoded as canonical JSON (sorted keys),
// optionally gzip-compressed. When the destination has a secret, the
// signature header carries the hex HMAC-SHA256 of exactly those bytes.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"fleetrelay/internal/config"
	"fleetrelay/internal/delivery"
	"fleetrelay/internal/security"
	"fleetrelay/internal/types"
)

// maxResponseBodyRead bounds how much of a response body is read for error
// messages.
const maxResponseBodyRead = 4096

var (
	_ delivery.Adapter      = (*Adapter)(nil)
	_ delivery.NetworkBound = (*Adapter)(nil)
)

// Adapter implements delivery.Adapter for webhook destinations.
type Adapter struct {
	client          *http.Client
	userAgent       string
	signatureHeader string
	clock           types.Clock
}

// NewAdapter creates an Adapter whose HTTP client re-validates every dial
// and redirect against egress.
func NewAdapter(egress *security.EgressValidator, cfg config.WebhookConfig) *Adapter {
	return NewAdapterWithClient(egress.NewSafeHTTPClient(cfg.DefaultTimeout, cfg.MaxRedirects), cfg)
}

// NewAdapterWithClient creates an Adapter with a caller-supplied client.
func NewAdapterWithClient(client *http.Client, cfg config.WebhookConfig) *Adapter {
	header := cfg.SignatureHeader
	if header == "" {
		header = "X-Fleet-Signature"
	}
	return &Adapter{
		client:          client,
		userAgent:       cfg.UserAgent,
		signatureHeader: header,
		clock:           types.RealClock{},
	}
}

// SetClock overrides the clock for testing.
func (a *Adapter) SetClock(c types.Clock) {
	a.clock = c
}

func (a *Adapter) Type() types.DestinationType { return types.DestinationWebhook }

// Target returns the URL host for egress validation.
func (a *Adapter) Target(job *types.DeliveryJob) (string, error) {
	_, u, err := ParseDestination(job.DestinationConfig)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

// Send performs one HTTP request. It never retries.
func (a *Adapter) Send(ctx context.Context, job *types.DeliveryJob) delivery.Result {
	dest, u, err := ParseDestination(job.DestinationConfig)
	if err != nil {
		return delivery.InvalidConfig(types.ErrCodeDestinationInvalidConfig, err)
	}

	body, err := canonicalJSON(job.Payload)
	if err != nil {
		return delivery.InvalidConfig(types.ErrCodeDestinationInvalidConfig, fmt.Errorf("webhook: payload is not valid JSON: %w", err))
	}
	gzipped := dest.ContentEncoding == "gzip"
	if gzipped {
		if body, err = compress(body); err != nil {
			return delivery.InvalidConfig(types.ErrCodeDestinationInvalidConfig, err)
		}
	}

	if dest.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(dest.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, dest.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		return delivery.InvalidConfig(types.ErrCodeDestinationInvalidConfig, fmt.Errorf("webhook: failed to create request: %w", err))
	}
	for k, v := range dest.Headers {
		if _, reserved := reservedHeaders[http.CanonicalHeaderKey(k)]; reserved {
			continue
		}
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	req.Header.Set("X-Fleet-Delivery", job.ID)
	req.Header.Set("X-Fleet-Timestamp", strconv.FormatInt(a.clock.Now().Unix(), 10))
	if dest.Secret != "" {
		req.Header.Set(a.signatureHeader, Sign(dest.Secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodyRead))

	return classifyStatus(resp, snippet, a.clock.Now())
}

// classifyStatus maps an HTTP response to a Result. 401 and 403 are
// retried: credentials are commonly rotated on the receiving side.
func classifyStatus(resp *http.Response, body []byte, now time.Time) delivery.Result {
	code := resp.StatusCode
	if code < 400 {
		return delivery.Delivered()
	}

	err := fmt.Errorf("HTTP %d: %s", code, truncateBody(body))
	switch {
	case code == http.StatusTooManyRequests:
		res := delivery.Transient(types.ErrCodeDeliveryRateLimited, err)
		res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
		return res
	case code == http.StatusRequestTimeout:
		return delivery.Transient(types.ErrCodeDeliveryTimeout, err)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return delivery.Transient(types.ErrCodeDeliveryUnauthorized, err)
	case code >= 500:
		res := delivery.Transient(types.ErrCodeDeliveryServerError, err)
		if code == http.StatusServiceUnavailable {
			res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
		}
		return res
	default:
		return delivery.Permanent(types.ErrCodeDeliveryRejected, err)
	}
}

func classifyTransportError(err error) delivery.Result {
	switch {
	case security.IsBlocked(err):
		return delivery.Blocked(err)
	case errors.Is(err, security.ErrEgressTooManyRedirects):
		return delivery.Permanent(types.ErrCodeDeliveryRejected, err)
	case errors.Is(err, security.ErrEgressDNSTimeout), errors.Is(err, security.ErrEgressDNSFailed):
		return delivery.Transient(types.ErrCodeEgressResolveFailed, err)
	case errors.Is(err, context.DeadlineExceeded):
		return delivery.Transient(types.ErrCodeDeliveryTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return delivery.Transient(types.ErrCodeDeliveryTimeout, err)
	}
	return delivery.Transient(types.ErrCodeDeliveryConnection, err)
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
// Missing or unparseable values yield zero, leaving the policy backoff in
// charge.
func parseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// canonicalJSON re-encodes raw with object keys sorted. Numbers keep their
// original text. An empty payload is sent as {}.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("webhook: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("webhook: gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func truncateBody(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
