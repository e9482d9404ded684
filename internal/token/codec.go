// Package token mints and verifies the compact signed tokens used for
// portal sessions and the OAuth anti-CSRF state. A token is
// base64url(payload JSON) + "." + base64url(HMAC-SHA256(secret, payload
// segment)). Verification reports a single opaque failure for every
// reason a token can be bad.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalid is returned for any malformed, forged, expired or
// wrong-profile token. Callers never learn which.
var ErrInvalid = errors.New("invalid token")

// SessionPayload identifies an authenticated subject. TTL defaults to
// seven days.
type SessionPayload struct {
	SubjectID string `json:"subject_id"`
	Tier      string `json:"tier,omitempty"`
	ExpiresAt int64  `json:"exp"`
}

// StatePayload carries the OAuth anti-CSRF nonce. TTL defaults to ten
// minutes; the token is bound to a short-lived cookie set at mint time.
type StatePayload struct {
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"exp"`
}

const (
	// DefaultSessionTTL is the session token lifetime when none is given.
	DefaultSessionTTL = 7 * 24 * time.Hour
	// DefaultStateTTL is the state token lifetime when none is given.
	DefaultStateTTL = 10 * time.Minute
)

var encoding = base64.RawURLEncoding

// MintSession signs a session token for the subject.
func MintSession(subjectID, tier string, secret []byte, ttl time.Duration) (string, error) {
	if subjectID == "" {
		return "", errors.New("subject_id is required")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	payload := SessionPayload{
		SubjectID: subjectID,
		Tier:      tier,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}
	return mint(payload, secret)
}

// MintState signs a state token with a fresh random nonce.
func MintState(secret []byte, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	payload := StatePayload{
		Nonce:     hex.EncodeToString(nonce),
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}
	return mint(payload, secret)
}

func mint(payload interface{}, secret []byte) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	seg := encoding.EncodeToString(raw)
	return seg + "." + encoding.EncodeToString(sign(seg, secret)), nil
}

// VerifySession checks a session token and returns its payload. Any
// failure is ErrInvalid.
func VerifySession(tok string, secret []byte) (SessionPayload, error) {
	raw, err := verify(tok, secret)
	if err != nil {
		return SessionPayload{}, ErrInvalid
	}
	var payload SessionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return SessionPayload{}, ErrInvalid
	}
	if payload.SubjectID == "" || expired(payload.ExpiresAt) {
		return SessionPayload{}, ErrInvalid
	}
	return payload, nil
}

// VerifyState checks a state token and returns its payload. A session
// token is rejected here even when signed with the same secret.
func VerifyState(tok string, secret []byte) (StatePayload, error) {
	raw, err := verify(tok, secret)
	if err != nil {
		return StatePayload{}, ErrInvalid
	}
	var payload StatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return StatePayload{}, ErrInvalid
	}
	if payload.Nonce == "" || expired(payload.ExpiresAt) {
		return StatePayload{}, ErrInvalid
	}
	return payload, nil
}

// verify checks structure and signature and returns the decoded payload
// bytes. Profile checks happen in the typed wrappers; the payload JSON
// disallows unknown profiles by field requirements, so a session payload
// never satisfies the state profile or vice versa.
func verify(tok string, secret []byte) ([]byte, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrInvalid
	}
	sig, err := encoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalid
	}
	// hmac.Equal compares full-length digests in constant time.
	if !hmac.Equal(sig, sign(parts[0], secret)) {
		return nil, ErrInvalid
	}
	raw, err := encoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalid
	}
	return raw, nil
}

func sign(payloadSegment string, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadSegment))
	return mac.Sum(nil)
}

// expired treats exp == now as expired: a token is valid only while its
// expiry is strictly in the future.
func expired(exp int64) bool {
	return exp <= time.Now().Unix()
}
