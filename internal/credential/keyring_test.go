package credential

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func sampleToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "access",
		TokenType:    "Bearer",
		RefreshToken: "refresh",
		Expiry:       time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestKeyringStoreRoundTrip(t *testing.T) {
	ks := NewKeyringStore(keyring.NewArrayKeyring(nil))

	_, err := ks.LoadToken()
	require.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, ks.SaveToken(sampleToken()))
	got, err := ks.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, "access", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.True(t, got.Expiry.Equal(sampleToken().Expiry))

	require.NoError(t, ks.DeleteToken())
	_, err = ks.LoadToken()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestFileStoreRoundTrip(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "nested", "token.json"))

	_, err := fs.LoadToken()
	require.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, fs.SaveToken(sampleToken()))
	got, err := fs.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, "access", got.AccessToken)

	require.NoError(t, fs.DeleteToken())
	require.NoError(t, fs.DeleteToken())
	_, err = fs.LoadToken()
	assert.ErrorIs(t, err, ErrNoToken)
}
