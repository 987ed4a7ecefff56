// Package natsbus forwards hub events to NATS so other processes can follow
// worker and run activity.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/mattjoyce/conductor/internal/events"
)

// Subject returns the subject an event type is published on, for example
// conductor.worker.idle.
func Subject(prefix, eventType string) string {
	return prefix + "." + eventType
}

// SubjectAll matches every subject under prefix.
func SubjectAll(prefix string) string {
	return prefix + ".>"
}

type Client struct {
	conn *nats.Conn
}

func NewClient(url, name string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(subject, data)
}

func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, handler)
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close drains pending publishes before closing the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// Forwarder republishes every hub event on Subject(prefix, type).
type Forwarder struct {
	client *Client
	hub    *events.Hub
	prefix string
	logger *slog.Logger
}

func NewForwarder(client *Client, hub *events.Hub, prefix string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		client: client,
		hub:    hub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With("component", "natsbus"),
	}
}

// Run forwards events until ctx ends. Publish failures are logged and the
// event is dropped.
func (f *Forwarder) Run(ctx context.Context) error {
	ch, cancel := f.hub.Subscribe()
	defer cancel()

	f.logger.Info("forwarding events to nats", "subject", SubjectAll(f.prefix))
	for {
		select {
		case <-ctx.Done():
			if err := f.client.Flush(); err != nil {
				f.logger.Warn("nats flush failed", "error", err)
			}
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.client.PublishJSON(Subject(f.prefix, ev.Type), ev); err != nil {
				f.logger.Warn("nats publish failed", "type", ev.Type, "id", ev.ID, "error", err)
			}
		}
	}
}
