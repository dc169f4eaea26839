package server

import (
	"fmt"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/shineum/smtp-mailer-lite/internal/email"
	"github.com/shineum/smtp-mailer-lite/internal/mailer"
)

const (
	indexText = "Nothing here. Move along!"
	sentText  = "Message has been successfully sent!"

	subject  = "Title of the Message"
	bodyText = "Hi there! This is the body of the message. Thank you for testing the email option!"
	bodyHTML = "Hi there! This is the <em>body of the message</em>. There are some <strong>custom HTML</strong> here!"
)

var (
	sendFrom = "maeva@ralafi.com"
	sendTo   = []string{"maevadevs@gmail.com"}

	// sendImages are attached to every /send message, in order.
	sendImages = []string{"cat.jpg", "dog.jpg"}

	bulkFrom       = "maevadevs@gmail.com"
	bulkRecipients = []string{"john@test.com", "maria@test.com"}
)

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, indexText)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	msg := &email.Email{
		Subject: subject,
		From:    sendFrom,
		To:      sendTo,
		Text:    bodyText,
		HTML:    bodyHTML,
	}

	for _, name := range sendImages {
		data, err := fs.ReadFile(s.cfg.Resources, "images/"+name)
		if err != nil {
			s.fail(w, r, fmt.Errorf("failed to read attachment %s: %w", name, err))
			return
		}
		msg.Attach(name, "image/jpeg", data)
	}

	if err := s.cfg.Mailer.Send(r.Context(), msg); err != nil {
		s.fail(w, r, err)
		return
	}

	writeText(w, http.StatusOK, sentText)
}

// handleBulk sends one message per recipient over a single scoped
// connection, which reconnects on its own once the message limit is hit.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	err := s.cfg.Mailer.WithConnection(ctx, func(conn *mailer.Connection) error {
		for _, rcpt := range bulkRecipients {
			msg := &email.Email{
				Subject: subject,
				From:    bulkFrom,
				To:      []string{rcpt},
				HTML:    bodyHTML,
			}
			if err := conn.Send(ctx, msg); err != nil {
				return fmt.Errorf("bulk send to %s: %w", rcpt, err)
			}
		}
		return nil
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

// fail logs err and answers with a bare 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		"request_id", middleware.GetReqID(r.Context()),
		"path", r.URL.Path,
		"error", err,
	)
	writeText(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
