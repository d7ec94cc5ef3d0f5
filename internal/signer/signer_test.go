package signer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"type":"membership.approved","timestamp":"2026-01-01T00:00:00Z","data":{}}`)
	sig := Sign([]byte("whsec_a"), body)

	assert.Len(t, sig, 64)
	assert.True(t, Verify([]byte("whsec_a"), body, sig))
	assert.False(t, Verify([]byte("whsec_b"), body, sig))
	assert.False(t, Verify([]byte("whsec_a"), append(body, ' '), sig))
	assert.False(t, Verify([]byte("whsec_a"), body, "not-hex"))
}

func TestSignKnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	sig := Sign([]byte("Jefe"), []byte("what do ya want for nothing?"))
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", sig)
}

func TestHashSecretIsStable(t *testing.T) {
	assert.Equal(t, HashSecret("abc"), HashSecret("abc"))
	assert.NotEqual(t, HashSecret("abc"), HashSecret("abd"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashSecret("abc"))
}

func TestNewTokenIsUnique(t *testing.T) {
	a, err := NewToken(32)
	require.NoError(t, err)
	b, err := NewToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}

func TestDeriveKeyBindsPurpose(t *testing.T) {
	widget, err := DeriveKey("s3cret", "widget-token")
	require.NoError(t, err)
	session, err := DeriveKey("s3cret", "session")
	require.NoError(t, err)
	assert.Len(t, widget, 32)
	assert.NotEqual(t, widget, session)

	_, err = DeriveKey("", "session")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestLast4(t *testing.T) {
	assert.Equal(t, "wxyz", Last4("whsec_abcwxyz"))
	assert.Equal(t, "ab", Last4("ab"))
}
