package sink

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/shineum/smtp-mailer-lite/internal/parser"
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// maxMessageSize is the advertised and enforced DATA limit (25 MB).
const maxMessageSize = 25 * 1024 * 1024

type phase int

const (
	phaseConnected phase = iota
	phaseGreeted
	phaseMail
	phaseRcpt
)

// session runs the SMTP conversation for one client connection.
type session struct {
	srv  *Server
	id   int64
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	phase         phase
	authenticated bool
	tlsActive     bool

	env *Envelope
}

func newSession(srv *Server, conn net.Conn, id int64) *session {
	return &session{
		srv:  srv,
		id:   id,
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()

	s.reply("220 %s ESMTP smtp-mailer-lite sink", s.srv.cfg.Hostname)

	for {
		if ctx.Err() != nil {
			s.reply("421 Service shutting down")
			return
		}

		line, err := s.readLine()
		if err != nil {
			if err != io.EOF {
				s.srv.logger.Debug("sink read error", "conn", s.id, "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		verb, arg, _ := strings.Cut(line, " ")
		if s.dispatch(ctx, strings.ToUpper(verb), arg) {
			return
		}
	}
}

// dispatch handles one command and reports whether the session is over.
func (s *session) dispatch(ctx context.Context, verb, arg string) bool {
	switch verb {
	case "EHLO", "HELO":
		s.hello(verb, arg)
	case "STARTTLS":
		return s.startTLS()
	case "AUTH":
		s.auth(arg)
	case "MAIL":
		s.mail(arg)
	case "RCPT":
		s.rcpt(arg)
	case "DATA":
		return s.data(ctx)
	case "RSET":
		s.reset()
		s.reply("250 OK")
	case "NOOP":
		s.reply("250 OK")
	case "QUIT":
		s.reply("221 Bye")
		return true
	default:
		s.reply("500 Unrecognized command")
	}
	return false
}

func (s *session) hello(verb, arg string) {
	if arg == "" {
		s.reply("501 Syntax: %s hostname", verb)
		return
	}

	s.reset()
	s.phase = phaseGreeted

	if verb == "HELO" {
		s.reply("250 %s Hello %s", s.srv.cfg.Hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", s.srv.cfg.Hostname, arg)}
	if s.srv.cfg.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.srv.creds.enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "8BITMIME", fmt.Sprintf("SIZE %d", maxMessageSize))

	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		s.reply("250%s%s", sep, l)
	}
}

// startTLS upgrades the connection. It reports true when the session must
// end because the handshake failed.
func (s *session) startTLS() bool {
	if s.srv.cfg.TLSConfig == nil {
		s.reply("454 TLS not available")
		return false
	}
	if s.tlsActive {
		s.reply("454 TLS already active")
		return false
	}

	s.reply("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.srv.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.srv.logger.Error("sink TLS handshake failed", "conn", s.id, "error", err)
		return true
	}

	// RFC 3207: the client must greet again after the upgrade.
	s.conn = tlsConn
	s.r = bufio.NewReader(tlsConn)
	s.w = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.authenticated = false
	s.phase = phaseConnected
	s.reset()
	return false
}

func (s *session) auth(arg string) {
	switch {
	case s.phase < phaseGreeted:
		s.reply("503 Send EHLO/HELO first")
		return
	case !s.srv.creds.enabled():
		s.reply("503 AUTH not available")
		return
	case s.authenticated:
		s.reply("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		if initial == "" {
			if initial, err = s.challenge(""); err != nil {
				return
			}
		}
		if initial == "*" {
			s.reply("501 Authentication cancelled")
			return
		}
		err = s.srv.creds.checkPlain(initial)

	case "LOGIN":
		// "Username:" and "Password:" in base64.
		user, cerr := s.challenge("VXNlcm5hbWU6")
		if cerr != nil {
			return
		}
		if user == "*" {
			s.reply("501 Authentication cancelled")
			return
		}
		pass, cerr := s.challenge("UGFzc3dvcmQ6")
		if cerr != nil {
			return
		}
		if pass == "*" {
			s.reply("501 Authentication cancelled")
			return
		}
		err = s.srv.creds.checkLogin(user, pass)

	default:
		s.reply("504 Unrecognized authentication type")
		return
	}

	if err != nil {
		s.reply("535 Authentication failed")
		return
	}

	s.authenticated = true
	s.reply("235 Authentication successful")
}

// challenge sends a 334 prompt and returns the client's answer.
func (s *session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.reply("334 ")
	} else {
		s.reply("334 %s", prompt)
	}
	line, err := s.readLine()
	if err != nil {
		s.srv.logger.Debug("sink AUTH read failed", "conn", s.id, "error", err)
	}
	return line, err
}

func (s *session) mail(arg string) {
	if s.phase < phaseGreeted {
		s.reply("503 Send EHLO/HELO first")
		return
	}
	if s.srv.creds.enabled() && !s.authenticated {
		s.reply("530 Authentication required")
		return
	}
	if s.phase >= phaseMail {
		s.reply("503 Nested MAIL command")
		return
	}

	addr, params, ok := parsePath(arg, "FROM:")
	if !ok {
		s.reply("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.env = &Envelope{Conn: s.id, From: addr, MailOptions: params}
	s.phase = phaseMail
	s.reply("250 OK")
}

func (s *session) rcpt(arg string) {
	if s.phase < phaseMail {
		s.reply("503 Send MAIL FROM first")
		return
	}

	addr, params, ok := parsePath(arg, "TO:")
	if !ok || addr == "" {
		s.reply("501 Syntax: RCPT TO:<address>")
		return
	}

	s.env.To = append(s.env.To, addr)
	s.env.RcptOptions = append(s.env.RcptOptions, params...)
	s.phase = phaseRcpt
	s.reply("250 OK")
}

// data collects the message body. It reports true when the connection broke
// mid-transfer.
func (s *session) data(ctx context.Context) bool {
	if s.phase < phaseRcpt {
		s.reply("503 Send RCPT TO first")
		return false
	}

	s.reply("354 Start mail input; end with <CRLF>.<CRLF>")

	var buf bytes.Buffer
	tooLarge := false
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			s.srv.logger.Error("sink error reading DATA", "conn", s.id, "error", err)
			return true
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		// Dot-stuffing: a leading ".." stands for a single dot.
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if buf.Len()+len(line) > maxMessageSize {
			tooLarge = true
			continue
		}
		buf.WriteString(line)
	}

	env := s.env
	s.reset()

	if tooLarge {
		s.reply("552 Message exceeds fixed maximum message size")
		return false
	}

	env.Data = buf.Bytes()
	msg, err := parser.Parse(env.Data)
	if err != nil {
		s.srv.logger.Error("sink failed to parse message", "conn", s.id, "error", err)
		s.reply("550 Failed to process message")
		return false
	}
	env.Message = msg

	if s.srv.cfg.Backend != nil {
		if err := s.srv.cfg.Backend.Deliver(ctx, env); err != nil {
			s.srv.logger.Error("sink backend failed", "conn", s.id, "error", err)
			s.reply("451 Temporary failure, please try again later")
			return false
		}
	}

	s.reply("250 OK message accepted")
	return false
}

// reset clears the current transaction, keeping greeting and auth state.
func (s *session) reset() {
	s.env = nil
	if s.phase > phaseGreeted {
		s.phase = phaseGreeted
	}
}

func (s *session) readLine() (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		return "", err
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) reply(format string, args ...any) {
	if _, err := fmt.Fprintf(s.w, format+"\r\n", args...); err != nil {
		s.srv.logger.Debug("sink write failed", "conn", s.id, "error", err)
		return
	}
	if err := s.w.Flush(); err != nil {
		s.srv.logger.Debug("sink flush failed", "conn", s.id, "error", err)
	}
}

// parsePath splits "FROM:<addr> PARAM=1 ..." into the address and its
// ESMTP parameters. The address may be bare or in angle brackets; an empty
// reverse path ("<>") is valid for MAIL.
func parsePath(arg, prefix string) (addr string, params []string, ok bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", nil, false
	}
	rest := strings.TrimSpace(arg[len(prefix):])

	if strings.HasPrefix(rest, "<") {
		end := strings.Index(rest, ">")
		if end < 0 {
			return "", nil, false
		}
		addr = rest[1:end]
		rest = rest[end+1:]
	} else {
		addr, rest, _ = strings.Cut(rest, " ")
		if addr == "" {
			return "", nil, false
		}
	}

	if params = strings.Fields(rest); len(params) == 0 {
		params = nil
	}
	return addr, params, true
}
