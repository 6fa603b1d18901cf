package vaultctl

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubSecrets makes readPassword return secrets in order.
func stubSecrets(t *testing.T, secrets ...string) {
	t.Helper()
	old := readPassword
	t.Cleanup(func() { readPassword = old })
	readPassword = func(int) ([]byte, error) {
		if len(secrets) == 0 {
			return nil, errors.New("no more input")
		}
		s := secrets[0]
		secrets = secrets[1:]
		return []byte(s), nil
	}
}

func rdr(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestGetSimpleText(t *testing.T) {
	var out bytes.Buffer
	got, err := GetSimpleText(rdr("  imap.example.com:993 \n"), "Server?", &out)
	require.NoError(t, err)
	require.Equal(t, "imap.example.com:993", got)
	require.Equal(t, "Server?\n> ", out.String())
}

func TestGetSimpleTextEOF(t *testing.T) {
	var out bytes.Buffer
	got, err := GetSimpleText(rdr("lastline"), "Name?", &out)
	require.NoError(t, err)
	require.Equal(t, "lastline", got)

	_, err = GetSimpleText(rdr(""), "Name?", &out)
	require.Error(t, err)
}

func TestGetPassword(t *testing.T) {
	stubSecrets(t, "s3cret")
	var out bytes.Buffer
	pw, err := GetPassword(&out, "Vault secret")
	require.NoError(t, err)
	require.Equal(t, "s3cret", string(pw))
	require.Equal(t, "Vault secret: \n", out.String())
}

func TestGetPassword_Error(t *testing.T) {
	stubSecrets(t)
	var out bytes.Buffer
	_, err := GetPassword(&out, "Vault secret")
	require.Error(t, err)
}

func TestGetNewPassword(t *testing.T) {
	tests := []struct {
		name    string
		secrets []string
		want    string
		wantErr error
	}{
		{name: "match", secrets: []string{"abc", "abc"}, want: "abc"},
		{name: "mismatch", secrets: []string{"abc", "abd"}, wantErr: ErrSecretMismatch},
		{name: "empty", secrets: []string{"", ""}, wantErr: ErrSecretMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubSecrets(t, tt.secrets...)
			var out bytes.Buffer
			got, err := GetNewPassword(&out, "Vault secret")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, string(got))
			require.Contains(t, out.String(), "Repeat vault secret: ")
		})
	}
}
