// Package email delivers jobs as SMTP messages rendered from per-destination
// templates.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"fleetrelay/internal/config"
	"fleetrelay/internal/delivery"
	"fleetrelay/internal/security"
	"fleetrelay/internal/types"
)

var (
	_ delivery.Adapter      = (*Adapter)(nil)
	_ delivery.NetworkBound = (*Adapter)(nil)
)

// Adapter implements delivery.Adapter for email destinations.
type Adapter struct {
	dial        DialFunc
	defaultFrom string
	timeout     time.Duration
	helloName   string
	tlsConfig   *tls.Config
	logger      types.Logger
	clock       types.Clock
}

// NewAdapter creates an Adapter. dial should re-validate egress; pass the
// validator's DialContext.
func NewAdapter(dial DialFunc, cfg config.EmailConfig, logger types.Logger) *Adapter {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Adapter{
		dial:        dial,
		defaultFrom: cfg.DefaultFrom,
		timeout:     cfg.DialTimeout,
		helloName:   "fleetrelay.local",
		logger:      logger,
		clock:       types.RealClock{},
	}
}

// SetTLSConfig overrides the STARTTLS client configuration.
func (a *Adapter) SetTLSConfig(cfg *tls.Config) {
	a.tlsConfig = cfg
}

// SetClock overrides the clock for testing.
func (a *Adapter) SetClock(c types.Clock) {
	a.clock = c
}

func (a *Adapter) Type() types.DestinationType { return types.DestinationEmail }

// Target returns the SMTP host for egress validation.
func (a *Adapter) Target(job *types.DeliveryJob) (string, error) {
	dest, err := ParseDestination(job.DestinationConfig)
	if err != nil {
		return "", err
	}
	return dest.SMTPHost, nil
}

func (a *Adapter) Send(ctx context.Context, job *types.DeliveryJob) delivery.Result {
	dest, err := ParseDestination(job.DestinationConfig)
	if err != nil {
		return delivery.InvalidConfig(types.ErrCodeDestinationInvalidConfig, err)
	}

	data, err := newTemplateData(job)
	if err != nil {
		return delivery.InvalidConfig(types.ErrCodeDestinationInvalidConfig, err)
	}
	content, err := Render(dest, data)
	if err != nil {
		return delivery.InvalidConfig(types.ErrCodeDestinationTemplate, err)
	}

	from := dest.From
	if from == "" {
		from = a.defaultFrom
	}
	now := a.clock.Now()
	msg, err := buildMessage(from, dest.Recipients, content, messageID(job.ID), now)
	if err != nil {
		return delivery.InvalidConfig(types.ErrCodeDestinationInvalidConfig, err)
	}

	// The SMTP timeout bounds the whole session, not only the dial.
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	rcpts := envelopeRecipients(dest.Recipients)
	err = transmit(ctx, a.dial, envelope{
		host:      dest.SMTPHost,
		port:      dest.SMTPPort,
		helloName: a.helloName,
		startTLS:  dest.UseStartTLS(),
		tlsConfig: a.tlsConfig,
		username:  dest.Username,
		password:  dest.Password,
		from:      from,
		rcpts:     rcpts,
		message:   msg,
	})
	if err != nil {
		return classify(err)
	}

	a.logger.Info("email accepted by relay",
		"job_id", job.ID,
		"smtp_host", dest.SMTPHost,
		"recipients", RedactAll(rcpts),
	)
	return delivery.Delivered()
}

// classify maps a transmit error. Every SMTP reply error is transient:
// relays return 4xx and 5xx for conditions that clear on their own.
func classify(err error) delivery.Result {
	switch {
	case security.IsBlocked(err):
		return delivery.Blocked(err)
	case errors.Is(err, security.ErrEgressDNSTimeout), errors.Is(err, security.ErrEgressDNSFailed):
		return delivery.Transient(types.ErrCodeEgressResolveFailed, err)
	case errors.Is(err, context.DeadlineExceeded):
		return delivery.Transient(types.ErrCodeDeliveryTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return delivery.Transient(types.ErrCodeDeliveryTimeout, err)
	}
	return delivery.Transient(types.ErrCodeDeliverySMTP, err)
}

func messageID(jobID string) string {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	return fmt.Sprintf("<%s@fleetrelay>", jobID)
}
