package widgettoken

import (
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSigner() (*Signer, *clock.FakeClock) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewWithKey([]byte("0123456789abcdef0123456789abcdef"), fake), fake
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	s, _ := newTestSigner()

	token, issued, err := s.Issue("42", "user_1", "c_1")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(token, "."))

	payload, err := s.Verify(token)
	require.NoError(t, err)
	require.Equal(t, issued, *payload)
	require.Equal(t, "user_1", payload.UserID)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s, _ := newTestSigner()

	token, _, err := s.Issue("42", "user_1", "c_1")
	require.NoError(t, err)
	encoded, sig, _ := strings.Cut(token, ".")

	flipped := []byte(encoded)
	if flipped[5] == 'A' {
		flipped[5] = 'B'
	} else {
		flipped[5] = 'A'
	}
	_, err = s.Verify(string(flipped) + "." + sig)
	require.ErrorIs(t, err, ErrInvalidSignature)

	other := NewWithKey([]byte("another-key-another-key-another-k"), clock.New())
	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyExpiryBoundary(t *testing.T) {
	s, fake := newTestSigner()

	token, _, err := s.Issue("42", "user_1", "c_1")
	require.NoError(t, err)

	fake.Advance(TTL - time.Second)
	_, err = s.Verify(token)
	require.NoError(t, err)

	fake.Advance(time.Second)
	_, err = s.Verify(token)
	require.ErrorIs(t, err, ErrExpired)
}

func TestVerifyMalformed(t *testing.T) {
	s, _ := newTestSigner()

	for _, token := range []string{"", "abc", "abc.", ".abc", "a.b.c", "abc.!!!"} {
		_, err := s.Verify(token)
		require.ErrorIs(t, err, ErrMalformed, token)
	}
}

func TestNewRequiresSecretInProduction(t *testing.T) {
	_, err := New(Params{Cfg: config.Config{Environment: config.EnvProduction}, Log: zap.NewNop(), Clock: clock.New()})
	require.Error(t, err)

	s, err := New(Params{Cfg: config.Config{WidgetTokenSecret: "s3cret"}, Log: zap.NewNop(), Clock: clock.New()})
	require.NoError(t, err)
	token, _, err := s.Issue("1", "u", "c")
	require.NoError(t, err)
	_, err = s.Verify(token)
	require.NoError(t, err)
}
