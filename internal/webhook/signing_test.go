package webhook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	require := require.New(t)

	secret, err := GenerateSecret()
	require.NoError(err)
	body := []byte(`{"event":"reservation.created","data":{"id":1}}`)

	sig := Sign(secret, body)
	require.Contains(sig, "sha256=")
	require.True(Verify(secret, body, sig))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	require := require.New(t)

	secret := "test-secret"
	sig := Sign(secret, []byte("original"))
	require.False(Verify(secret, []byte("tampered"), sig))
}

func TestGenerateSecretIsUnique(t *testing.T) {
	require := require.New(t)

	a, err := GenerateSecret()
	require.NoError(err)
	b, err := GenerateSecret()
	require.NoError(err)
	require.NotEqual(a, b)
}
