package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyChatSignature_ValidWithinWindow(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"hello":"world"}`)
	sig := sign("shh", ts, body)

	if !verifyChatSignature("shh", sig, ts, body, 5*time.Minute, now) {
		t.Fatal("expected a valid signature within the window to verify")
	}
}

func TestVerifyChatSignature_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	ts := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	body := []byte(`{"hello":"world"}`)
	sig := sign("shh", ts, body)

	if verifyChatSignature("shh", sig, ts, body, 5*time.Minute, now) {
		t.Fatal("expected a timestamp 10 minutes old to be rejected")
	}
}

func TestVerifyChatSignature_RejectsFutureTimestamp(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	ts := strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10)
	body := []byte(`{"hello":"world"}`)
	sig := sign("shh", ts, body)

	if verifyChatSignature("shh", sig, ts, body, 5*time.Minute, now) {
		t.Fatal("expected a timestamp 10 minutes in the future to be rejected")
	}
}

func TestVerifyChatSignature_RejectsWrongSecret(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"hello":"world"}`)
	sig := sign("wrong-secret", ts, body)

	if verifyChatSignature("shh", sig, ts, body, 5*time.Minute, now) {
		t.Fatal("expected a signature produced with the wrong secret to be rejected")
	}
}

func TestVerifyChatSignature_RejectsTamperedBody(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := sign("shh", ts, []byte(`{"hello":"world"}`))

	if verifyChatSignature("shh", sig, ts, []byte(`{"hello":"mallory"}`), 5*time.Minute, now) {
		t.Fatal("expected a tampered body to invalidate the signature")
	}
}

func TestVerifyChatSignature_MissingHeaders(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	if verifyChatSignature("shh", "", "1700000000", []byte("x"), 5*time.Minute, now) {
		t.Fatal("expected an empty signature header to be rejected")
	}
}
