package payments

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestParseWebhookValid(t *testing.T) {
	body := []byte(`{"event":"charge.success","data":{"reference":"ref-123"}}`)
	ev, err := ParseWebhook("secret", body, sign("secret", body))
	require.NoError(t, err)
	assert.Equal(t, EventChargeSuccess, ev.Event)
	assert.Equal(t, "ref-123", ev.Data.Reference)
}

func TestParseWebhookBadSignature(t *testing.T) {
	body := []byte(`{"event":"charge.success","data":{"reference":"ref-123"}}`)
	_, err := ParseWebhook("secret", body, sign("wrong-secret", body))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = ParseWebhook("secret", body, "")
	assert.ErrorIs(t, err, ErrNoSignature)
}

func TestParseWebhookTamperedBody(t *testing.T) {
	body := []byte(`{"event":"charge.success","data":{"reference":"ref-123"}}`)
	sig := sign("secret", body)
	tampered := []byte(`{"event":"charge.success","data":{"reference":"ref-999"}}`)
	_, err := ParseWebhook("secret", tampered, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
