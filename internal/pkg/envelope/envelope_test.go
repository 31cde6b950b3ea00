package envelope

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Type    string `json:"type"`
	From    string `json:"from,omitempty"`
	Message string `json:"message,omitempty"`
	ID      int64  `json:"id,omitempty"`
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := New("test-secret")
	require.NoError(t, err)

	original := testEvent{Type: "chat", From: "alice", Message: "hello 👋", ID: 42}

	token, err := c.Seal(original)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	var decoded testEvent
	require.NoError(t, c.Open(token, &decoded))
	assert.Equal(t, original, decoded)
}

func TestSealUsesFreshNonce(t *testing.T) {
	c, err := New("test-secret")
	require.NoError(t, err)

	ev := testEvent{Type: "ping"}

	first, err := c.Seal(ev)
	require.NoError(t, err)
	second, err := c.Seal(ev)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "identical plaintexts must not produce identical tokens")
}

func TestOpenRejectsTamperedToken(t *testing.T) {
	c, err := New("test-secret")
	require.NoError(t, err)

	token, err := c.Seal(testEvent{Type: "chat", Message: "hello"})
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)

	// Flip the final byte of the sealed blob.
	raw[len(raw)-1] ^= 0x01
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	var decoded testEvent
	assert.ErrorIs(t, c.Open(tampered, &decoded), ErrDecrypt)
}

func TestOpenRejectsGarbage(t *testing.T) {
	c, err := New("test-secret")
	require.NoError(t, err)

	cases := map[string]string{
		"not base64":     "!!not-base64!!",
		"empty token":    "",
		"too short":      base64.RawURLEncoding.EncodeToString([]byte("short")),
		"nonce only":     base64.RawURLEncoding.EncodeToString(make([]byte, NonceSize)),
		"random payload": base64.RawURLEncoding.EncodeToString(make([]byte, 64)),
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			var decoded testEvent
			assert.ErrorIs(t, c.Open(token, &decoded), ErrDecrypt)
		})
	}
}

func TestDeterministicDerivationAcrossInstances(t *testing.T) {
	first, err := New("shared-secret")
	require.NoError(t, err)
	second, err := New("shared-secret")
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint(), second.Fingerprint())

	token, err := first.Seal(testEvent{Type: "system", Message: "alice entered"})
	require.NoError(t, err)

	var decoded testEvent
	require.NoError(t, second.Open(token, &decoded))
	assert.Equal(t, "alice entered", decoded.Message)
}

func TestDifferentSecretsDoNotInteroperate(t *testing.T) {
	first, err := New("secret-one")
	require.NoError(t, err)
	second, err := New("secret-two")
	require.NoError(t, err)

	assert.NotEqual(t, first.Fingerprint(), second.Fingerprint())

	token, err := first.Seal(testEvent{Type: "chat", Message: "confidential"})
	require.NoError(t, err)

	var decoded testEvent
	assert.ErrorIs(t, second.Open(token, &decoded), ErrDecrypt)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestFingerprintIsNotTheSecret(t *testing.T) {
	c, err := New("hunter2")
	require.NoError(t, err)

	fp := c.Fingerprint()
	assert.Len(t, fp, fingerprintSize*2)
	assert.NotContains(t, fp, "hunter2")
}
