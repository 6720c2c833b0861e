// Package snmp delivers jobs as SNMP v2c or v3 traps.
package snmp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gosnmp/gosnmp"

	"fleetrelay/internal/delivery"
	"fleetrelay/internal/security"
	"fleetrelay/internal/types"
)

const (
	oidSysUpTime   = ".1.3.6.1.2.1.1.3.0"
	oidSnmpTrapOID = ".1.3.6.1.6.3.1.1.4.1.0"

	// OIDAlertTrap identifies the alert notification.
	OIDAlertTrap = ".1.3.6.1.4.1.58213.1.0.1"
	// OIDAlertVarbinds is the prefix of the alert varbinds.
	OIDAlertVarbinds = ".1.3.6.1.4.1.58213.1.1"

	defaultTimeout = 5 * time.Second
)

// alertFields maps varbind suffixes to payload keys. Suffix 3 is the tenant
// and comes from the job.
var alertFields = []struct {
	suffix int
	key    string
}{
	{1, "alert_id"},
	{2, "device_id"},
	{3, ""},
	{4, "severity"},
	{5, "message"},
	{6, "timestamp"},
}

var (
	_ delivery.Adapter      = (*Adapter)(nil)
	_ delivery.NetworkBound = (*Adapter)(nil)
)

// HostResolver returns an address that is safe to send to.
// security.EgressValidator implements it.
type HostResolver interface {
	ResolveHost(ctx context.Context, host string) (net.IP, error)
}

// Adapter implements delivery.Adapter for snmp destinations. gosnmp dials
// on its own, so the host is resolved and validated first and the trap is
// sent to the resulting IP literal.
type Adapter struct {
	resolver HostResolver
	started  time.Time
	clock    types.Clock
}

// NewAdapter creates an Adapter that resolves hosts through resolver.
func NewAdapter(resolver HostResolver) *Adapter {
	clock := types.RealClock{}
	return &Adapter{resolver: resolver, started: clock.Now(), clock: clock}
}

// SetClock overrides the clock for testing. sysUpTime is measured from the
// time of the call.
func (a *Adapter) SetClock(c types.Clock) {
	a.clock = c
	a.started = c.Now()
}

func (a *Adapter) Type() types.DestinationType { return types.DestinationSNMP }

// Target returns the trap receiver host for egress validation.
func (a *Adapter) Target(job *types.DeliveryJob) (string, error) {
	dest, err := ParseDestination(job.DestinationConfig)
	if err != nil {
		return "", err
	}
	return dest.Host, nil
}

func (a *Adapter) Send(ctx context.Context, job *types.DeliveryJob) delivery.Result {
	dest, err := ParseDestination(job.DestinationConfig)
	if err != nil {
		return delivery.InvalidConfig(types.ErrCodeDestinationInvalidConfig, err)
	}
	fields, err := payloadFields(job.Payload)
	if err != nil {
		return delivery.InvalidConfig(types.ErrCodeValidationInvalidJSON, err)
	}

	ip, err := a.resolver.ResolveHost(ctx, dest.Host)
	if err != nil {
		switch {
		case security.IsBlocked(err):
			return delivery.Blocked(err)
		case errors.Is(err, security.ErrEgressDNSTimeout), errors.Is(err, security.ErrEgressDNSFailed):
			return delivery.Transient(types.ErrCodeEgressResolveFailed, err)
		default:
			return delivery.Transient(types.ErrCodeDeliverySNMP, err)
		}
	}

	timeout := defaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return delivery.Transient(types.ErrCodeDeliveryTimeout, fmt.Errorf("snmp: %w", context.DeadlineExceeded))
	}

	g := &gosnmp.GoSNMP{
		Target:    ip.String(),
		Port:      uint16(dest.Port),
		Transport: "udp",
		Timeout:   timeout,
		Retries:   0,
		Context:   ctx,
	}
	if err := dest.apply(g); err != nil {
		return delivery.InvalidConfig(types.ErrCodeDestinationInvalidConfig, err)
	}

	if err := g.Connect(); err != nil {
		return delivery.Transient(types.ErrCodeDeliverySNMP, fmt.Errorf("snmp: connect %s: %w", dest.Host, err))
	}
	defer g.Conn.Close()

	trap := gosnmp.SnmpTrap{Variables: a.varbinds(job, fields)}
	if _, err := g.SendTrap(trap); err != nil {
		if ctx.Err() != nil {
			return delivery.Transient(types.ErrCodeDeliveryTimeout, fmt.Errorf("snmp: send trap: %w", ctx.Err()))
		}
		return delivery.Transient(types.ErrCodeDeliverySNMP, fmt.Errorf("snmp: send trap: %w", err))
	}
	return delivery.Delivered()
}

// varbinds lays out sysUpTime.0, snmpTrapOID.0 and the alert fields in
// that order.
func (a *Adapter) varbinds(job *types.DeliveryJob, fields map[string]string) []gosnmp.SnmpPDU {
	now := a.clock.Now()
	uptime := uint32(now.Sub(a.started) / (10 * time.Millisecond))

	if fields["timestamp"] == "" {
		ts := job.CreatedAt
		if ts.IsZero() {
			ts = now
		}
		fields["timestamp"] = ts.UTC().Format(time.RFC3339)
	}

	vars := []gosnmp.SnmpPDU{
		{Name: oidSysUpTime, Type: gosnmp.TimeTicks, Value: uptime},
		{Name: oidSnmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: OIDAlertTrap},
	}
	for _, f := range alertFields {
		value := job.TenantID
		if f.key != "" {
			value = fields[f.key]
		}
		vars = append(vars, gosnmp.SnmpPDU{
			Name:  fmt.Sprintf("%s.%d", OIDAlertVarbinds, f.suffix),
			Type:  gosnmp.OctetString,
			Value: value,
		})
	}
	return vars
}

// payloadFields flattens the alert keys of payload to strings. Non-string
// values keep their JSON text. A payload that is not an object yields no
// fields.
func payloadFields(payload json.RawMessage) (map[string]string, error) {
	out := make(map[string]string, len(alertFields))
	if len(bytes.TrimSpace(payload)) == 0 {
		return out, nil
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("snmp: payload is not valid JSON: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return out, nil
	}

	for _, f := range alertFields {
		if f.key == "" {
			continue
		}
		switch v := obj[f.key].(type) {
		case nil:
		case string:
			out[f.key] = v
		case json.Number:
			out[f.key] = v.String()
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("snmp: encode %s: %w", f.key, err)
			}
			out[f.key] = string(raw)
		}
	}
	return out, nil
}
