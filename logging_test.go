package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPIIRedactsSensitiveFields(t *testing.T) {
	fields := map[string]interface{}{
		"session_id":    "cs_123",
		"card_number":   "4111111111111111",
		"credential":    "eyJ2ZXJzaW9uIjoyLCJhdXRoIjoiZnAifQ==",
		"nonce":         "tokencc_bf_abcdef",
		"client_secret": "sk_live_abcdef123456",
		"amount":        int64(15675),
	}

	masked := maskPII(fields)

	assert.Equal(t, "cs_123", masked["session_id"])
	assert.Equal(t, int64(15675), masked["amount"])
	assert.NotEqual(t, fields["card_number"], masked["card_number"])
	assert.NotEqual(t, fields["credential"], masked["credential"])
	assert.NotEqual(t, fields["nonce"], masked["nonce"])
	assert.NotEqual(t, fields["client_secret"], masked["client_secret"])
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "[REDACTED]", maskString("short"))
	assert.Equal(t, "abcd****ijkl", maskString("abcdefghijkl"))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "p***r@example.com", maskEmail("payer@example.com"))
	assert.Equal(t, "**@example.com", maskEmail("ab@example.com"))
	assert.Equal(t, "[REDACTED]", maskEmail("not-an-email"))
}
