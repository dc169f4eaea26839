package sink

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestCredentials_Enabled(t *testing.T) {
	t.Parallel()

	assert.True(t, credentials{username: "user", password: "pass"}.enabled())
	assert.True(t, credentials{username: "user"}.enabled())
	assert.False(t, credentials{}.enabled())
}

func TestCredentials_CheckPlain(t *testing.T) {
	t.Parallel()

	creds := credentials{username: "testuser", password: "testpass"}

	tests := []struct {
		name    string
		encoded string
		wantErr bool
	}{
		{name: "valid", encoded: b64("\x00testuser\x00testpass")},
		{name: "valid with authzid", encoded: b64("admin\x00testuser\x00testpass")},
		{name: "wrong password", encoded: b64("\x00testuser\x00nope"), wantErr: true},
		{name: "wrong user", encoded: b64("\x00other\x00testpass"), wantErr: true},
		{name: "missing separator", encoded: b64("testuser\x00testpass"), wantErr: true},
		{name: "invalid base64", encoded: "not-base64!!!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := creds.checkPlain(tt.encoded)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCredentials_CheckLogin(t *testing.T) {
	t.Parallel()

	creds := credentials{username: "testuser", password: "testpass"}

	assert.NoError(t, creds.checkLogin(b64("testuser"), b64("testpass")))
	assert.ErrorIs(t, creds.checkLogin(b64("testuser"), b64("wrongpass")), errAuthFailed)
	assert.Error(t, creds.checkLogin("invalid!!!", b64("testpass")))
	assert.Error(t, creds.checkLogin(b64("testuser"), "invalid!!!"))
}
