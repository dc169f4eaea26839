// Package stdout implements a Transport that prints emails instead of
// delivering them. It backs the mail_supress_send setting.
package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shineum/smtp-mailer-lite/internal/email"
	"github.com/shineum/smtp-mailer-lite/internal/provider"
)

const separator = "========================================\n"

// Transport prints email messages in a human-readable format.
type Transport struct {
	mu sync.Mutex

	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	logger *slog.Logger
}

// New creates a new stdout Transport that writes to os.Stdout.
func New() *Transport {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a new stdout Transport that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w, logger: slog.Default()}
}

// Dial returns a connection that writes to the transport's writer.
func (t *Transport) Dial(_ context.Context) (provider.Conn, error) {
	return &conn{transport: t}, nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "stdout"
}

type conn struct {
	transport *Transport
}

// Send prints the message. It always returns nil (success).
func (c *conn) Send(_ context.Context, msg *email.Email) error {
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()

	// Write errors are not delivery errors.
	if err := Render(c.transport.writer, msg); err != nil {
		c.transport.logger.Warn("failed to print message", "message_id", msg.MessageID, "error", err)
	}
	return nil
}

func (c *conn) Close() error {
	return nil
}

// Render writes msg to w as a readable block. The HTML body is shown when
// present, the plain-text body otherwise.
func Render(w io.Writer, msg *email.Email) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))

	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(msg.Bcc, ", "))
	}
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\n", msg.ReplyTo)
	}
	if !msg.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", msg.Date.Format(time.RFC1123Z))
	}

	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)

	contentType, body := msg.PreferredBody()
	fmt.Fprintf(&b, "Body (%s):\n", contentType)
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	_, err := io.WriteString(w, b.String())
	return err
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
