package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/forPelevin/unmark/internal/types"
)

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("unmark"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// NATSSink publishes job events on <prefix>.<job id>.<state>.
type NATSSink struct {
	client *Client
	prefix string
}

func NewNATSSink(c *Client, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "unmark.jobs"
	}
	return &NATSSink{client: c, prefix: prefix}
}

func (s *NATSSink) Publish(_ context.Context, ev types.JobEvent) error {
	return s.client.PublishJSON(Subject(s.prefix, ev), ev)
}

func Subject(prefix string, ev types.JobEvent) string {
	id := ev.JobID
	if id == "" {
		id = "_"
	}
	return prefix + "." + id + "." + string(ev.State)
}
