// Package bus bridges the registry onto a NATS message bus: registry events
// go out as presence messages and heartbeats come in from agents that only
// speak NATS.
package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("bus closed")

// Handler receives one inbound message.
type Handler func(subject string, data []byte)

// Conn is the slice of a message bus the bridge needs.
type Conn interface {
	Publish(subject string, data []byte) error
	// Subscribe delivers messages to h until the returned func is called.
	Subscribe(subject string, h Handler) (unsubscribe func() error, err error)
	Close() error
}

// Config holds NATS connection settings.
type Config struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	Prefix         string        `mapstructure:"prefix" yaml:"prefix"`
	Name           string        `mapstructure:"name" yaml:"name"`
	Token          string        `mapstructure:"token" yaml:"token,omitempty"`
	User           string        `mapstructure:"user" yaml:"user,omitempty"`
	Password       string        `mapstructure:"password" yaml:"password,omitempty"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnects  int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// DefaultConfig returns settings for a local server.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Prefix:         "fleetreg",
		Name:           "fleetreg",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

func natsOptions(cfg Config) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// NATSConn adapts a *nats.Conn to Conn.
type NATSConn struct {
	conn *nats.Conn
}

// Connect dials the NATS server in cfg.
func Connect(cfg Config) (*NATSConn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, natsOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSConn{conn: conn}, nil
}

func (c *NATSConn) Publish(subject string, data []byte) error {
	if c.conn.IsClosed() {
		return ErrClosed
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (c *NATSConn) Subscribe(subject string, h Handler) (func() error, error) {
	if c.conn.IsClosed() {
		return nil, ErrClosed
	}
	sub, err := c.conn.Subscribe(subject, func(m *nats.Msg) {
		h(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return sub.Unsubscribe, nil
}

// Close drains pending messages and closes the connection.
func (c *NATSConn) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Drain()
}
