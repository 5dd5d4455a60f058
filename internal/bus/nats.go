// internal/bus/nats.go
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tendant/proof-converter/internal/logger"
)

// Publisher sends JSON-encoded events to a subject.
type Publisher interface {
	PublishJSON(subject string, v any) error
	Close()
}

type Client struct{ nc *nats.Conn }

func Connect(url string, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Discard()
	}
	log = log.Component("bus")
	nc, err := nats.Connect(url,
		nats.Name("proof-converter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
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

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// Nop discards events; used when NATS_URL is not set.
type Nop struct{}

func (Nop) PublishJSON(string, any) error { return nil }
func (Nop) Close()                        {}

// Message is one event captured by Memory.
type Message struct {
	Subject string
	Data    []byte
}

// Memory keeps published events in memory.
type Memory struct {
	mu   sync.Mutex
	msgs []Message
}

func (m *Memory) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.msgs = append(m.msgs, Message{Subject: subject, Data: b})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() {}

// Messages returns the events published to subject, in order.
func (m *Memory) Messages(subject string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.msgs {
		if msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}
