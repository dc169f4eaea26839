// Package email defines the core email data model used throughout the mailer.
package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// DefaultCharset is used when a message does not name one.
const DefaultCharset = "utf-8"

var (
	// ErrNoRecipients indicates the message has no To, Cc or Bcc address.
	ErrNoRecipients = errors.New("email must have at least one recipient")

	// ErrNoSender indicates neither the message nor the configuration
	// provides a sender address.
	ErrNoSender = errors.New("email must have a sender")

	// ErrBadHeader indicates a header value contains a line break.
	ErrBadHeader = errors.New("email header contains a line break")

	// ErrBadAddress indicates a sender, reply-to or recipient that is not an
	// RFC 5322 address.
	ErrBadAddress = errors.New("email address is invalid")
)

// Email represents an outgoing email message with all its components.
type Email struct {
	Subject string
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	ReplyTo string

	// Text is the plain-text body. HTML takes precedence when both are set.
	Text string
	HTML string

	Attachments []Attachment

	// Date is stamped at send time when zero.
	Date time.Time

	// Charset defaults to DefaultCharset.
	Charset string

	// Headers are extra headers written verbatim.
	Headers map[string]string

	// MailOptions and RcptOptions are ESMTP parameters appended to the
	// MAIL FROM and RCPT TO commands.
	MailOptions []string
	RcptOptions []string

	MessageID string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Attach appends a file attachment.
func (e *Email) Attach(filename, contentType string, data []byte) {
	e.Attachments = append(e.Attachments, Attachment{
		Filename:    filename,
		ContentType: contentType,
		Content:     data,
	})
}

// Recipients returns every envelope recipient: To, then Cc, then Bcc.
func (e *Email) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	out = append(out, e.Bcc...)
	return out
}

// PreferredBody returns the body a reader should see along with its media
// type. HTML wins over plain text.
func (e *Email) PreferredBody() (contentType, body string) {
	if e.HTML != "" {
		return "text/html", e.HTML
	}
	return "text/plain", e.Text
}

// Validate checks that the message can be handed to a transport.
func (e *Email) Validate() error {
	if len(e.Recipients()) == 0 {
		return ErrNoRecipients
	}
	if e.From == "" {
		return ErrNoSender
	}

	values := append([]string{e.Subject, e.From, e.ReplyTo}, e.Recipients()...)
	values = append(values, e.MailOptions...)
	values = append(values, e.RcptOptions...)
	for _, v := range values {
		if strings.ContainsAny(v, "\r\n") {
			return ErrBadHeader
		}
	}
	for k, v := range e.Headers {
		if strings.ContainsAny(k, "\r\n") || strings.ContainsAny(v, "\r\n") {
			return ErrBadHeader
		}
	}

	addrs := append([]string{e.From}, e.Recipients()...)
	if e.ReplyTo != "" {
		addrs = append(addrs, e.ReplyTo)
	}
	for _, a := range addrs {
		if _, err := mail.ParseAddress(a); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrBadAddress, a, err)
		}
	}

	return nil
}
