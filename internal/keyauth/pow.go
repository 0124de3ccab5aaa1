// Package keyauth implements the proof-of-work handshake that gates access
// to decryption keys: a bounded nonce search over an HMAC-derived challenge,
// a signed claim token, and the authenticated key fetch itself.
package keyauth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// ErrProofExhausted is returned when no nonce within the iteration cap
// satisfies the difficulty threshold. Callers must treat this as a
// decryption failure; there is no fallback nonce.
var ErrProofExhausted = fmt.Errorf("proof of work exhausted iteration cap")

// Challenge derives the per-resource challenge string from the shared
// secret. The same (secret, resource) pair always yields the same
// challenge.
func Challenge(secret, resource string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(resource))
	return hex.EncodeToString(mac.Sum(nil))
}

// Proof is a solved work unit for one key request.
type Proof struct {
	Resource  string
	KeyNumber string
	Timestamp int64
	Nonce     int
}

// Solve searches nonces 0..cap-1 for the first one whose MD5 digest prefix
// clears the threshold. The digest covers the challenge, the resource, the
// key number, the timestamp and the candidate nonce, so a proof is bound to
// exactly one key request at one point in time.
func Solve(secret, resource, keyNumber string, timestamp int64, iterationCap int, threshold uint16) (Proof, error) {
	challenge := Challenge(secret, resource)
	prefix := challenge + resource + keyNumber + strconv.FormatInt(timestamp, 10)

	for nonce := 0; nonce < iterationCap; nonce++ {
		sum := md5.Sum([]byte(prefix + strconv.Itoa(nonce)))
		digest := hex.EncodeToString(sum[:])

		val, err := strconv.ParseUint(digest[:4], 16, 16)
		if err != nil {
			continue
		}
		if uint16(val) < threshold {
			return Proof{
				Resource:  resource,
				KeyNumber: keyNumber,
				Timestamp: timestamp,
				Nonce:     nonce,
			}, nil
		}
	}

	return Proof{}, ErrProofExhausted
}

// Verify reports whether a proof satisfies the threshold for the given
// secret. The server-side counterpart of Solve.
func Verify(secret string, p Proof, threshold uint16) bool {
	challenge := Challenge(secret, p.Resource)
	payload := challenge + p.Resource + p.KeyNumber + strconv.FormatInt(p.Timestamp, 10) + strconv.Itoa(p.Nonce)
	sum := md5.Sum([]byte(payload))
	digest := hex.EncodeToString(sum[:])

	val, err := strconv.ParseUint(digest[:4], 16, 16)
	if err != nil {
		return false
	}
	return uint16(val) < threshold
}
