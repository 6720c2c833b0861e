// Package republish delivers jobs by publishing the payload to a topic on
// the platform's own broker. The topic is a template expanded per job.
package republish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"fleetrelay/internal/delivery"
	"fleetrelay/internal/types"
)

var _ delivery.Adapter = (*Adapter)(nil)

// Destination is the decoded destination_config of a broker_republish job.
type Destination struct {
	Topic string `json:"topic"`
}

var placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// Adapter implements delivery.Adapter for broker_republish destinations.
// The broker is internal infrastructure, so no egress check applies.
type Adapter struct {
	publisher Publisher
}

// NewAdapter creates an Adapter over publisher.
func NewAdapter(publisher Publisher) *Adapter {
	return &Adapter{publisher: publisher}
}

func (a *Adapter) Type() types.DestinationType { return types.DestinationBrokerRepublish }

func (a *Adapter) Send(ctx context.Context, job *types.DeliveryJob) delivery.Result {
	var dest Destination
	if err := json.Unmarshal(job.DestinationConfig, &dest); err != nil {
		return delivery.InvalidConfig(types.ErrCodeDestinationInvalidConfig, fmt.Errorf("republish: invalid destination config: %w", err))
	}
	if strings.TrimSpace(dest.Topic) == "" {
		return delivery.InvalidConfig(types.ErrCodeDestinationInvalidConfig, errors.New("republish: topic is required"))
	}

	topic, err := ExpandTopic(dest.Topic, job)
	if err != nil {
		return delivery.InvalidConfig(types.ErrCodeDestinationTemplate, err)
	}

	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := a.publisher.Publish(ctx, topic, payload); err != nil {
		return delivery.Transient(types.ErrCodeBrokerUnavailable, err)
	}
	return delivery.Delivered()
}

// ExpandTopic substitutes {tenant_id}, {device_id}, {route_id}, {job_id}
// and {topic} in tmpl. An unknown placeholder or one with no value for this
// job is an error.
func ExpandTopic(tmpl string, job *types.DeliveryJob) (string, error) {
	values := map[string]string{
		"tenant_id": job.TenantID,
		"device_id": deviceID(job),
		"route_id":  job.RouteID,
		"job_id":    job.ID,
		"topic":     job.Topic,
	}

	var missing []string
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := values[name]
		if !ok || v == "" {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("republish: unresolved placeholders in topic %q: %s", tmpl, strings.Join(missing, ", "))
	}
	if strings.ContainsAny(out, "{}") {
		return "", fmt.Errorf("republish: malformed placeholder in topic %q", tmpl)
	}
	return out, nil
}

// deviceID reads device_id from the payload, falling back to the segment
// after "devices/" in the original topic.
func deviceID(job *types.DeliveryJob) string {
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if len(job.Payload) > 0 && json.Unmarshal(job.Payload, &body) == nil && body.DeviceID != "" {
		return body.DeviceID
	}
	parts := strings.Split(job.Topic, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "devices" && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return ""
}
