package email

import (
	"bytes"
	"io"
	"net/mail"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/gomail.v2"
)

// Compose builds the MIME representation of e. When both bodies are set the
// result is multipart/alternative with HTML as the preferred, last part.
// Bcc is carried for the envelope but never written to the headers.
func Compose(e *Email) *gomail.Message {
	charset := e.Charset
	if charset == "" {
		charset = DefaultCharset
	}

	m := gomail.NewMessage(gomail.SetCharset(charset))

	setAddresses(m, "From", []string{e.From})
	setAddresses(m, "To", e.To)
	setAddresses(m, "Cc", e.Cc)
	setAddresses(m, "Bcc", e.Bcc)
	if e.ReplyTo != "" {
		setAddresses(m, "Reply-To", []string{e.ReplyTo})
	}
	m.SetHeader("Subject", e.Subject)
	if !e.Date.IsZero() {
		m.SetDateHeader("Date", e.Date)
	}
	if e.MessageID != "" {
		m.SetHeader("Message-ID", e.MessageID)
	}
	for k, v := range e.Headers {
		m.SetHeader(k, v)
	}

	switch {
	case e.HTML != "" && e.Text != "":
		m.SetBody("text/plain", e.Text)
		m.AddAlternative("text/html", e.HTML)
	case e.HTML != "":
		m.SetBody("text/html", e.HTML)
	default:
		m.SetBody("text/plain", e.Text)
	}

	for _, att := range e.Attachments {
		content := att.Content
		m.Attach(att.Filename,
			gomail.SetHeader(map[string][]string{
				"Content-Type": {att.ContentType},
			}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
		)
	}

	return m
}

// Bytes renders e as a complete RFC 5322 message.
func Bytes(e *Email) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := Compose(e).WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ASCIIFilename folds name to ASCII by decomposing accented characters and
// dropping whatever is left outside the ASCII range.
func ASCIIFilename(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	folded, _, err := transform.String(t, name)
	if err != nil || folded == "" {
		return "attachment"
	}
	return folded
}

// setAddresses writes an address header with only the display names
// encoded. Values that do not parse are written as given and rejected later
// by gomail.Send.
func setAddresses(m *gomail.Message, field string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	values := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			values = append(values, a)
			continue
		}
		values = append(values, m.FormatAddress(parsed.Address, parsed.Name))
	}
	m.SetHeader(field, values...)
}
