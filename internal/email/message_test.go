package email

import (
	"bytes"
	"io"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

func TestPreferredBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		msg      Email
		wantType string
		wantBody string
	}{
		{
			name:     "html wins over text",
			msg:      Email{Text: "plain", HTML: "<em>rich</em>"},
			wantType: "text/html",
			wantBody: "<em>rich</em>",
		},
		{
			name:     "html only",
			msg:      Email{HTML: "<p>hi</p>"},
			wantType: "text/html",
			wantBody: "<p>hi</p>",
		},
		{
			name:     "text only",
			msg:      Email{Text: "hi"},
			wantType: "text/plain",
			wantBody: "hi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gotType, gotBody := tt.msg.PreferredBody()
			assert.Equal(t, tt.wantType, gotType)
			assert.Equal(t, tt.wantBody, gotBody)
		})
	}
}

func TestRecipients(t *testing.T) {
	t.Parallel()

	msg := Email{
		To:  []string{"a@example.com"},
		Cc:  []string{"b@example.com"},
		Bcc: []string{"c@example.com", "d@example.com"},
	}
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}, msg.Recipients())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Email
		want error
	}{
		{
			name: "valid",
			msg:  Email{From: "s@example.com", To: []string{"r@example.com"}, Subject: "Hi"},
		},
		{
			name: "bcc only is enough",
			msg:  Email{From: "s@example.com", Bcc: []string{"r@example.com"}},
		},
		{
			name: "display names",
			msg:  Email{From: "Jöhn Doe <s@example.com>", To: []string{"Zoë <r@example.com>"}, ReplyTo: "Desk <d@example.com>"},
		},
		{
			name: "unparsable recipient",
			msg:  Email{From: "s@example.com", To: []string{"not an address"}},
			want: ErrBadAddress,
		},
		{
			name: "unparsable sender",
			msg:  Email{From: "sender at example.com", To: []string{"r@example.com"}},
			want: ErrBadAddress,
		},
		{
			name: "unparsable reply-to",
			msg:  Email{From: "s@example.com", To: []string{"r@example.com"}, ReplyTo: "desk@"},
			want: ErrBadAddress,
		},
		{
			name: "mail option injection",
			msg:  Email{From: "s@example.com", To: []string{"r@example.com"}, MailOptions: []string{"BODY=8BITMIME\r\nRCPT TO:<x@example.com>"}},
			want: ErrBadHeader,
		},
		{
			name: "no recipients",
			msg:  Email{From: "s@example.com"},
			want: ErrNoRecipients,
		},
		{
			name: "no sender",
			msg:  Email{To: []string{"r@example.com"}},
			want: ErrNoSender,
		},
		{
			name: "subject injection",
			msg:  Email{From: "s@example.com", To: []string{"r@example.com"}, Subject: "Hi\r\nBcc: evil@example.com"},
			want: ErrBadHeader,
		},
		{
			name: "recipient injection",
			msg:  Email{From: "s@example.com", To: []string{"r@example.com\nX: y"}},
			want: ErrBadHeader,
		},
		{
			name: "extra header injection",
			msg: Email{
				From:    "s@example.com",
				To:      []string{"r@example.com"},
				Headers: map[string]string{"X-Tag": "a\nb"},
			},
			want: ErrBadHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.msg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAttach(t *testing.T) {
	t.Parallel()

	var msg Email
	msg.Attach("cat.jpg", "image/jpeg", []byte{0xff, 0xd8})
	msg.Attach("dog.jpg", "image/jpeg", []byte{0xff, 0xd9})

	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, "cat.jpg", msg.Attachments[0].Filename)
	assert.Equal(t, "image/jpeg", msg.Attachments[1].ContentType)
	assert.Equal(t, []byte{0xff, 0xd9}, msg.Attachments[1].Content)
}

func TestBytes_Alternative(t *testing.T) {
	t.Parallel()

	msg := &Email{
		From:      "sender@example.com",
		To:        []string{"to@example.com"},
		Bcc:       []string{"hidden@example.com"},
		ReplyTo:   "reply@example.com",
		Subject:   "Both bodies",
		Text:      "plain body",
		HTML:      "<strong>html body</strong>",
		Date:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		MessageID: "<id-1@example.com>",
		Headers:   map[string]string{"X-Campaign": "spring"},
	}

	raw, err := Bytes(msg)
	require.NoError(t, err)
	out := string(raw)

	assert.Contains(t, out, "multipart/alternative")
	assert.Contains(t, out, "Reply-To: reply@example.com")
	assert.Contains(t, out, "Message-ID: <id-1@example.com>")
	assert.Contains(t, out, "X-Campaign: spring")
	assert.Contains(t, out, "Date: Fri, 01 Mar 2024 12:00:00 +0000")
	assert.NotContains(t, out, "hidden@example.com", "bcc must not leak into headers")

	textIdx := strings.Index(out, "plain body")
	htmlIdx := strings.Index(out, "<strong>html body</strong>")
	require.Positive(t, textIdx)
	require.Positive(t, htmlIdx)
	assert.Less(t, textIdx, htmlIdx, "html is the last, preferred alternative")
}

func TestBytes_HTMLOnly(t *testing.T) {
	t.Parallel()

	raw, err := Bytes(&Email{
		From:    "sender@example.com",
		To:      []string{"to@example.com"},
		Subject: "HTML",
		HTML:    "<p>only html</p>",
	})
	require.NoError(t, err)
	out := string(raw)

	assert.Contains(t, out, "Content-Type: text/html")
	assert.NotContains(t, out, "text/plain")
	assert.NotContains(t, out, "multipart/alternative")
}

func TestCompose_NonASCIIDisplayNames(t *testing.T) {
	t.Parallel()

	msg := &Email{
		From:    "Jöhn Doe <john@example.com>",
		To:      []string{"Zoë Ångström <zoe@example.com>", "plain@example.com"},
		Cc:      []string{"Café Team <cafe@example.com>"},
		ReplyTo: "Støtte <support@example.com>",
		Subject: "Grüße",
		Text:    "hallo",
	}

	var (
		from string
		to   []string
		raw  bytes.Buffer
	)
	err := gomail.Send(gomail.SendFunc(func(f string, rcpts []string, w io.WriterTo) error {
		from, to = f, rcpts
		_, err := w.WriteTo(&raw)
		return err
	}), Compose(msg))
	require.NoError(t, err)

	assert.Equal(t, "john@example.com", from)
	assert.Equal(t, []string{"zoe@example.com", "plain@example.com", "cafe@example.com"}, to)

	parsed, err := mail.ReadMessage(&raw)
	require.NoError(t, err)

	sender, err := parsed.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, sender, 1)
	assert.Equal(t, "Jöhn Doe", sender[0].Name)
	assert.Equal(t, "john@example.com", sender[0].Address)

	recipients, err := parsed.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, recipients, 2)
	assert.Equal(t, "Zoë Ångström", recipients[0].Name)
	assert.Equal(t, "plain@example.com", recipients[1].Address)

	replyTo, err := parsed.Header.AddressList("Reply-To")
	require.NoError(t, err)
	assert.Equal(t, "Støtte", replyTo[0].Name)
}

func TestBytes_Attachments(t *testing.T) {
	t.Parallel()

	msg := &Email{
		From:    "sender@example.com",
		To:      []string{"to@example.com"},
		Subject: "Files",
		Text:    "see attached",
		Charset: "iso-8859-1",
	}
	msg.Attach("cat.jpg", "image/jpeg", []byte("meow"))

	raw, err := Bytes(msg)
	require.NoError(t, err)
	out := string(raw)

	assert.Contains(t, out, "multipart/mixed")
	assert.Contains(t, out, "Content-Type: image/jpeg")
	assert.Contains(t, out, `filename="cat.jpg"`)
	assert.Contains(t, out, "bWVvdw==")
	assert.Contains(t, out, "charset=iso-8859-1")
}

func TestASCIIFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "cat.jpg", want: "cat.jpg"},
		{in: "résumé.pdf", want: "resume.pdf"},
		{in: "Ünïcödé.txt", want: "Unicode.txt"},
		{in: "日本.png", want: ".png"},
		{in: "日本", want: "attachment"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ASCIIFilename(tt.in))
		})
	}
}
