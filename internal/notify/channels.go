package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// LogChannel writes events to the structured log. Always active, so every
// deployment leaves a trace even with no external channels configured.
type LogChannel struct {
	logger Logger
}

// NewLogChannel creates the log channel.
func NewLogChannel(logger Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, e Event) error {
	args := []any{"kind", e.Kind}
	if e.DeploymentID != "" {
		args = append(args, "deployment", e.DeploymentID)
	}
	if e.TargetName != "" {
		args = append(args, "target", e.TargetName)
	}
	if e.Phase != "" {
		args = append(args, "phase", e.Phase)
	}
	if e.Status != "" {
		args = append(args, "status", e.Status)
	}
	if e.Error != "" {
		args = append(args, "error", e.Error)
	}
	c.logger.Info("deployment event", args...)
	return nil
}

// Publisher is the broker interface the MQTT channel publishes through.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTChannel publishes events as JSON to a broker topic.
type MQTTChannel struct {
	pub   Publisher
	topic string
}

// NewMQTTChannel creates the MQTT channel.
func NewMQTTChannel(pub Publisher, topic string) *MQTTChannel {
	return &MQTTChannel{pub: pub, topic: topic}
}

func (c *MQTTChannel) Name() string { return "mqtt" }

func (c *MQTTChannel) Send(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	return c.pub.Publish(ctx, c.topic+"/"+e.Kind, payload)
}

// WebhookChannel POSTs events as JSON to a configured URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates the webhook channel.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
