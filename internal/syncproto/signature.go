package syncproto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Signed control protocol between the control plane and session workers.
//
// Every request carries:
//   X-Sync-Timestamp: unix seconds
//   X-Sync-Nonce:     unique per request
//   X-Sync-Signature: hex(HMAC-SHA256(secret, body || timestamp))
//
// The receiver recomputes and compares in constant time, rejects timestamps
// outside the window, and rejects a nonce it has already seen (replay cache).

const (
	HeaderTimestamp = "X-Sync-Timestamp"
	HeaderNonce     = "X-Sync-Nonce"
	HeaderSignature = "X-Sync-Signature"

	// DefaultWindow is how far a request timestamp may drift from server time.
	DefaultWindow = 5 * time.Minute
)

var (
	ErrBadSignature = errors.New("syncproto: signature mismatch")
	ErrStale        = errors.New("syncproto: timestamp outside window")
	ErrReplay       = errors.New("syncproto: nonce already seen")
	ErrMalformed    = errors.New("syncproto: malformed signed request")
)

// Sign computes the request signature for body and timestamp.
func Sign(secret []byte, body []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature and timestamp window. Replay checking is separate
// because it has side effects (the nonce gets consumed).
func Verify(secret []byte, body []byte, timestamp int64, signature string, now time.Time, window time.Duration) error {
	if window <= 0 {
		window = DefaultWindow
	}
	drift := now.Unix() - timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(window.Seconds()) {
		return ErrStale
	}

	want := Sign(secret, body, timestamp)
	// Compare the raw MACs in constant time, not the hex strings.
	wantRaw, err := hex.DecodeString(want)
	if err != nil {
		return ErrBadSignature
	}
	gotRaw, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(wantRaw, gotRaw) {
		return ErrBadSignature
	}
	return nil
}
