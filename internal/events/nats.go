package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/neboloop/nebochat/internal/logging"
)

// Client publishes JSON payloads to a NATS server.
type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger zerolog.Logger
}

// NewClient connects to url. The connection keeps retrying in the
// background, so a server that is down at startup is not fatal.
func NewClient(url, token string) (*Client, error) {
	logger := logging.Component("nats")
	opts := []nats.Option{
		nats.Name("nebochat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Client{conn: nc, logger: logger}, nil
}

// Publish marshals data to JSON and publishes it on subject
func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Subscribe registers a raw handler for subject (wildcards allowed)
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info().Str("subject", subject).Msg("subscribed")
	return nil
}

// Flush blocks until the server has processed everything published so far
func (c *Client) Flush() error {
	return c.conn.FlushTimeout(5 * time.Second)
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
