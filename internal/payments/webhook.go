package payments

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// Webhook event names emitted by the provider.
const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
)

var (
	ErrNoSignature      = errors.New("no webhook signature provided")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// WebhookEvent is the provider callback payload the core cares about:
// which event fired and which payment reference it concerns.
type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// VerifySignature checks the HMAC-SHA512 hex signature the provider sends
// over the raw request body.
func VerifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseWebhook verifies the signature and decodes the event. The body is
// only parsed after verification passes.
func ParseWebhook(secret string, body []byte, signature string) (*WebhookEvent, error) {
	if signature == "" {
		return nil, ErrNoSignature
	}
	if !VerifySignature(secret, body, signature) {
		return nil, ErrInvalidSignature
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
