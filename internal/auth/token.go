package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenFormat = errors.New("invalid token format")
	ErrTokenSig    = errors.New("invalid token signature")
	ErrTokenExp    = errors.New("token expired")
	ErrTokenCall   = errors.New("call id mismatch")
)

// GenerateStreamToken builds the token a telephony provider attaches to
// its media-stream connection for a given call.
// Format: base64url(call_id + "." + exp_unix + "." + hex(hmac_sha256(secret, call_id+"."+exp)))
func GenerateStreamToken(secret, callID string, expUnix int64) string {
	msg := callID + "." + strconv.FormatInt(expUnix, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	sig := hex.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(msg + "." + sig))
}

// ValidateStreamToken checks signature, expiry, and call binding. The
// returned call id is the one embedded in the token.
func ValidateStreamToken(secret, token, expectCallID string, now time.Time, skew time.Duration) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrTokenFormat
	}
	parts := strings.Split(string(b), ".")
	if len(parts) != 3 {
		return "", ErrTokenFormat
	}
	callID, expStr, sigHex := parts[0], parts[1], parts[2]
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", ErrTokenFormat
	}
	if expectCallID != "" && callID != expectCallID {
		return "", ErrTokenCall
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(callID + "." + expStr))
	want := mac.Sum(nil)
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", ErrTokenFormat
	}
	if !hmac.Equal(want, got) {
		return "", ErrTokenSig
	}

	if now.Unix() > exp+int64(skew.Seconds()) {
		return "", ErrTokenExp
	}
	return callID, nil
}
