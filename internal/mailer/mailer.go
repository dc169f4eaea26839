// Package mailer sends messages through a provider.Transport. A Client is
// configured once from the mail settings and can be shared; each Connection
// is a single-goroutine session that reconnects after a configured number of
// messages.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-mailer-lite/internal/email"
	"github.com/shineum/smtp-mailer-lite/internal/metrics"
	"github.com/shineum/smtp-mailer-lite/internal/provider"
)

// ErrConnectionClosed is returned by Connection.Send after Close.
var ErrConnectionClosed = errors.New("mailer connection is closed")

// Options configure a Client.
type Options struct {
	// DefaultSender is used when a message has no From.
	DefaultSender string

	// MaxEmails is how many messages go out on one transport connection
	// before it is closed and a fresh one opened. Zero or less means no limit.
	MaxEmails int

	// ASCIIAttachments folds attachment filenames to ASCII.
	ASCIIAttachments bool

	// Hostname is the right-hand side of generated Message-IDs. Defaults to
	// os.Hostname.
	Hostname string

	Logger *slog.Logger

	// Now stamps the Date of messages without one. Defaults to time.Now.
	Now func() time.Time
}

// Client sends mail through a transport.
type Client struct {
	transport provider.Transport
	opts      Options
	logger    *slog.Logger
}

// New creates a Client for transport.
func New(transport provider.Transport, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hostname == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		opts.Hostname = host
	}

	return &Client{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger.With("transport", transport.Name()),
	}
}

// Send delivers one message on its own connection. Defaults are filled in on
// msg and it is validated before anything is dialed.
func (c *Client) Send(ctx context.Context, msg *email.Email) error {
	if err := c.prepare(msg); err != nil {
		return err
	}
	return c.WithConnection(ctx, func(conn *Connection) error {
		return conn.send(ctx, msg)
	})
}

// Connect opens a transport connection. The caller must Close it.
func (c *Client) Connect(ctx context.Context) (*Connection, error) {
	conn := &Connection{client: c}
	if err := conn.open(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// WithConnection runs fn with an open connection and closes it afterwards,
// also when fn panics. A close error is returned only when fn succeeded.
func (c *Client) WithConnection(ctx context.Context, fn func(*Connection) error) (err error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(conn)
}

// prepare fills in the sender, date, charset and Message-ID, folds attachment
// names when configured, then validates.
func (c *Client) prepare(msg *email.Email) error {
	if msg.From == "" {
		msg.From = c.opts.DefaultSender
	}
	if msg.Date.IsZero() {
		msg.Date = c.opts.Now()
	}
	if msg.Charset == "" {
		msg.Charset = email.DefaultCharset
	}
	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), c.opts.Hostname)
	}
	if c.opts.ASCIIAttachments {
		for i := range msg.Attachments {
			msg.Attachments[i].Filename = email.ASCIIFilename(msg.Attachments[i].Filename)
		}
	}
	return msg.Validate()
}

// Connection is an open session with the transport. It is not safe for
// concurrent use.
type Connection struct {
	client *Client
	conn   provider.Conn
	sent   int
	closed bool
}

// Send delivers msg, opening a new transport connection first if the
// previous one reached the MaxEmails limit.
func (c *Connection) Send(ctx context.Context, msg *email.Email) error {
	if c.closed {
		return ErrConnectionClosed
	}
	if err := c.client.prepare(msg); err != nil {
		return err
	}
	return c.send(ctx, msg)
}

func (c *Connection) send(ctx context.Context, msg *email.Email) error {
	if c.closed {
		return ErrConnectionClosed
	}
	if c.conn == nil {
		c.client.logger.Debug("reconnecting", "max_emails", c.client.opts.MaxEmails)
		if err := c.open(ctx); err != nil {
			return err
		}
	}

	name := c.client.transport.Name()
	if err := c.conn.Send(ctx, msg); err != nil {
		metrics.SendFailures.WithLabelValues(name).Inc()
		return fmt.Errorf("failed to send message: %w", err)
	}
	metrics.MessagesSent.WithLabelValues(name).Inc()
	c.client.logger.Debug("message sent",
		"message_id", msg.MessageID,
		"recipients", len(msg.Recipients()),
	)

	c.sent++
	if limit := c.client.opts.MaxEmails; limit > 0 && c.sent >= limit {
		if err := c.drop(); err != nil {
			c.client.logger.Warn("failed to close connection at message limit", "error", err)
		}
	}
	return nil
}

// Close ends the session. Calling it again is a no-op.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.drop()
}

func (c *Connection) open(ctx context.Context) error {
	conn, err := c.client.transport.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect via %s: %w", c.client.transport.Name(), err)
	}
	metrics.ConnectionsOpened.WithLabelValues(c.client.transport.Name()).Inc()
	c.conn = conn
	c.sent = 0
	return nil
}

func (c *Connection) drop() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.sent = 0
	return err
}
