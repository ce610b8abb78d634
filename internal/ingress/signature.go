package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// verifyChatSignature checks X-Signature against
// HMAC-SHA256(signingSecret, "v0:" + timestamp + ":" + rawBody), rejecting
// any payload whose timestamp is off by more than window from wall clock
// (spec.md §4.1, P6 in §8).
func verifyChatSignature(signingSecret, signatureHeader, timestampHeader string, rawBody []byte, window time.Duration, now time.Time) bool {
	if signingSecret == "" || signatureHeader == "" || timestampHeader == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return false
	}

	sig, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte("v0:" + timestampHeader + ":"))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	return hmac.Equal(sig, expected)
}
