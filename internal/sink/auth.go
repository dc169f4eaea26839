package sink

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var errAuthFailed = errors.New("authentication failed")

// credentials checks SMTP AUTH responses against a configured account.
// An empty username disables authentication.
type credentials struct {
	username string
	password string
}

func (c credentials) enabled() bool {
	return c.username != ""
}

func (c credentials) match(user, pass string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(c.password)) == 1
	if !userOK || !passOK {
		return errAuthFailed
	}
	return nil
}

// checkPlain verifies an AUTH PLAIN response: base64(authzid \0 user \0 pass).
func (c credentials) checkPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errors.New("invalid base64 encoding")
	}

	fields := strings.SplitN(string(decoded), "\x00", 3)
	if len(fields) != 3 {
		return errors.New("invalid AUTH PLAIN format")
	}

	return c.match(fields[1], fields[2])
}

// checkLogin verifies the base64 username and password collected by the
// AUTH LOGIN challenge exchange.
func (c credentials) checkLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errors.New("invalid base64 username")
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errors.New("invalid base64 password")
	}

	return c.match(string(user), string(pass))
}
