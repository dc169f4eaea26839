// Package provider defines the interfaces for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-mailer-lite/internal/email"
)

// Transport opens connections to an email delivery backend
// (SMTP relay, AWS SES, stdout, ...).
type Transport interface {
	// Dial opens a new connection. The caller must Close it.
	Dial(ctx context.Context) (Conn, error)

	// Name returns the human-readable name of this transport.
	Name() string
}

// Conn is an open connection to a delivery backend. A Conn is not safe for
// concurrent use.
type Conn interface {
	// Send delivers a fully prepared message. It returns an error if the
	// delivery fails; nothing is retried.
	Send(ctx context.Context, msg *email.Email) error

	// Close terminates the connection.
	Close() error
}
