// Package smtp implements a Transport that relays email through an SMTP
// server, optionally over implicit TLS (SMTPS) or STARTTLS.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	netsmtp "net/smtp"
	"strconv"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/shineum/smtp-mailer-lite/internal/email"
	"github.com/shineum/smtp-mailer-lite/internal/provider"
)

var (
	// ErrStartTLSUnsupported is returned when STARTTLS is required but the
	// relay does not offer it.
	ErrStartTLSUnsupported = errors.New("smtp server does not support STARTTLS")

	// ErrAuthUnsupported is returned when credentials are configured but the
	// relay does not offer AUTH.
	ErrAuthUnsupported = errors.New("smtp server does not support AUTH")
)

// Config holds the relay connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// UseTLS upgrades the plain connection with STARTTLS and fails when the
	// relay cannot.
	UseTLS bool

	// UseSSL dials with implicit TLS.
	UseSSL bool

	TLSSkipVerify bool

	// LocalName is sent with EHLO. Defaults to "localhost".
	LocalName string

	// Debug logs each step of the SMTP conversation.
	Debug bool

	Logger *slog.Logger
}

// Transport dials SMTP connections.
type Transport struct {
	cfg    Config
	addr   string
	logger *slog.Logger
}

// New creates an SMTP Transport.
func New(cfg Config) *Transport {
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return &Transport{
		cfg:    cfg,
		addr:   addr,
		logger: logger.With("transport", "smtp", "addr", addr),
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "smtp"
}

// Dial connects to the relay, performs the handshake, upgrades the
// connection when configured and authenticates when a username is set.
func (t *Transport) Dial(ctx context.Context) (provider.Conn, error) {
	tlsConfig := &tls.Config{
		ServerName:         t.cfg.Host,
		InsecureSkipVerify: t.cfg.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	var (
		nc  net.Conn
		err error
	)
	dialer := &net.Dialer{}
	if t.cfg.UseSSL {
		nc, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", t.addr)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", t.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.addr, err)
	}
	t.debug("connected", "ssl", t.cfg.UseSSL)

	client, err := netsmtp.NewClient(nc, t.cfg.Host)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to start smtp session: %w", err)
	}

	if err := t.handshake(client, tlsConfig); err != nil {
		client.Close()
		return nil, err
	}

	return &conn{client: client, transport: t}, nil
}

func (t *Transport) handshake(client *netsmtp.Client, tlsConfig *tls.Config) error {
	if err := client.Hello(t.cfg.LocalName); err != nil {
		return fmt.Errorf("smtp EHLO failed: %w", err)
	}

	if t.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return ErrStartTLSUnsupported
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("smtp STARTTLS failed: %w", err)
		}
		t.debug("STARTTLS negotiated")
	}

	if t.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return ErrAuthUnsupported
		}
		auth := netsmtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
		t.debug("authenticated", "username", t.cfg.Username)
	}

	return nil
}

func (t *Transport) debug(msg string, args ...any) {
	if t.cfg.Debug {
		t.logger.Debug("smtp "+msg, args...)
	}
}

// conn is one SMTP session. It drives gomail.Send through sender.
type conn struct {
	client    *netsmtp.Client
	transport *Transport
}

// Send transmits msg on the open session.
func (c *conn) Send(ctx context.Context, msg *email.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := &sender{conn: c, mailOptions: msg.MailOptions, rcptOptions: msg.RcptOptions}
	if err := gomail.Send(s, email.Compose(msg)); err != nil {
		return err
	}
	c.transport.debug("message sent", "message_id", msg.MessageID, "recipients", len(msg.Recipients()))
	return nil
}

// Close ends the session with QUIT, dropping the connection if QUIT fails.
func (c *conn) Close() error {
	if err := c.client.Quit(); err != nil {
		c.client.Close()
		return fmt.Errorf("smtp QUIT failed: %w", err)
	}
	c.transport.debug("disconnected")
	return nil
}

// sender implements gomail.Sender for one message. MAIL FROM carries the
// message's ESMTP parameters plus BODY=8BITMIME and SMTPUTF8 when the relay
// advertises them; RCPT TO carries the message's recipient parameters.
type sender struct {
	conn        *conn
	mailOptions []string
	rcptOptions []string
}

func (s *sender) Send(from string, to []string, msg io.WriterTo) error {
	if err := s.cmd(250, "MAIL FROM:<%s>%s", from, joinParams(s.mailParams())); err != nil {
		return fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}

	if err := s.transaction(to, msg); err != nil {
		// Leave the session ready for the next message.
		if rerr := s.conn.client.Reset(); rerr != nil {
			s.conn.transport.debug("RSET failed", "error", rerr)
		}
		return err
	}
	return nil
}

func (s *sender) transaction(to []string, msg io.WriterTo) error {
	rcpt := joinParams(s.rcptOptions)
	for _, addr := range to {
		// 250 or 251 (user not local; will forward).
		if err := s.cmd(25, "RCPT TO:<%s>%s", addr, rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s failed: %w", addr, err)
		}
	}

	w, err := s.conn.client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := msg.WriteTo(w); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	return nil
}

// mailParams merges the message's MAIL parameters with the ones negotiated
// from the relay's EHLO reply. Parameters the message already sets win.
func (s *sender) mailParams() []string {
	params := append([]string(nil), s.mailOptions...)
	client := s.conn.client
	if ok, _ := client.Extension("8BITMIME"); ok && !hasParam(params, "BODY") {
		params = append(params, "BODY=8BITMIME")
	}
	if ok, _ := client.Extension("SMTPUTF8"); ok && !hasParam(params, "SMTPUTF8") {
		params = append(params, "SMTPUTF8")
	}
	return params
}

func (s *sender) cmd(expectCode int, format string, args ...any) error {
	text := s.conn.client.Text
	id, err := text.Cmd(format, args...)
	if err != nil {
		return err
	}
	text.StartResponse(id)
	defer text.EndResponse(id)
	_, _, err = text.ReadResponse(expectCode)
	return err
}

func hasParam(params []string, keyword string) bool {
	for _, p := range params {
		k, _, _ := strings.Cut(p, "=")
		if strings.EqualFold(k, keyword) {
			return true
		}
	}
	return false
}

func joinParams(params []string) string {
	if len(params) == 0 {
		return ""
	}
	return " " + strings.Join(params, " ")
}
