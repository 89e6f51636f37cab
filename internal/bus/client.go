package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-grammar/internal/config"
	"github.com/loqalabs/loqa-grammar/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps NATS connection and JetStream context with minimal helpers.
// When the server has JetStream, results are published into a stream so
// late consumers can replay them; otherwise plain publishes are used.
type Client struct {
	conn     *nats.Conn
	js       nats.JetStreamContext
	streamed bool
	log      *slog.Logger
}

func Connect(_ context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("loqa-grammar"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	c := &Client{conn: conn, js: js, log: log}
	if err := c.ensureStream(); err != nil {
		log.Warn("jetstream unavailable; publishing without persistence", slog.String("error", err.Error()))
	} else {
		c.streamed = true
	}

	log.Info("connected to NATS", slog.String("servers", url), slog.Bool("jetstream", c.streamed))
	return c, nil
}

func (c *Client) ensureStream() error {
	if _, err := c.js.StreamInfo(protocol.StreamName); err == nil {
		return nil
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     protocol.StreamName,
		Subjects: []string{protocol.SubjectResult, protocol.SubjectStagePrefix + ".>"},
		MaxAge:   24 * time.Hour,
		Storage:  nats.FileStorage,
	})
	return err
}

// PublishJSON encodes v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	if c.streamed {
		if _, err := c.js.Publish(subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		return nil
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
