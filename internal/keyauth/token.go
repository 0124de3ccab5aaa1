package keyauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrTokenMalformed is returned for anything that is not a well-formed
	// three-segment token.
	ErrTokenMalformed = errors.New("keyauth: malformed token")
	// ErrTokenSignature is returned when the signature does not verify.
	ErrTokenSignature = errors.New("keyauth: invalid token signature")
	// ErrTokenExpired is returned when the claim is outside its validity
	// window.
	ErrTokenExpired = errors.New("keyauth: token outside validity window")
)

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Claims is the signed payload carried by a key request token. The claim
// is valid from Timestamp (inclusive) to Exp (exclusive).
type Claims struct {
	Resource  string `json:"resource"`
	KeyNumber string `json:"keyNumber"`
	Timestamp int64  `json:"timestamp"`
	Nonce     int    `json:"nonce"`
	Exp       int64  `json:"exp"`
}

// BuildToken signs a proof into a compact HS256 token. The expiry is the
// proof timestamp plus ttl, so a replayed token dies with its proof.
func BuildToken(secret string, p Proof, ttl time.Duration) (string, error) {
	header := tokenHeader{Alg: "HS256", Typ: "JWT"}
	claims := Claims{
		Resource:  p.Resource,
		KeyNumber: p.KeyNumber,
		Timestamp: p.Timestamp,
		Nonce:     p.Nonce,
		Exp:       p.Timestamp + int64(ttl.Seconds()),
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	signature := enc.EncodeToString(mac.Sum(nil))

	return signingInput + "." + signature, nil
}

// VerifyToken validates a token against the current time.
func VerifyToken(secret, token string) (*Claims, error) {
	return VerifyTokenAt(secret, token, time.Now())
}

// VerifyTokenAt validates the token structure, algorithm, signature and
// validity window against the supplied time. Only HS256 is accepted.
func VerifyTokenAt(secret, token string, now time.Time) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	enc := base64.RawURLEncoding
	headerJSON, err := enc.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, ErrTokenMalformed
	}
	if header.Alg != "HS256" {
		return nil, ErrTokenSignature
	}

	signingInput := parts[0] + "." + parts[1]
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	expected := mac.Sum(nil)

	got, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	if !hmac.Equal(expected, got) {
		return nil, ErrTokenSignature
	}

	claimsJSON, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, ErrTokenMalformed
	}

	unix := now.Unix()
	if unix < claims.Timestamp || unix >= claims.Exp {
		return nil, ErrTokenExpired
	}

	return &claims, nil
}
