// Package mergetoken signs and verifies the short-lived cookie that entitles
// a browser to merge an anonymous identity into an authenticated one.
package mergetoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed      = errors.New("mergetoken: malformed token")
	ErrUnknownVersion = errors.New("mergetoken: unknown key version")
	ErrBadSignature   = errors.New("mergetoken: signature mismatch")
	ErrExpired        = errors.New("mergetoken: token expired")
)

// Payload is the identity claim carried by the token. Kept minimal so the
// verifier stays pure: identity, issue time, nothing else.
type Payload struct {
	AnonUID  string `json:"anon_uid"`
	IssuedAt int64  `json:"issued_at"`
}

// Key is one signing key in a rotation chain.
type Key struct {
	Version int
	Secret  []byte
}

// Keychain is an explicit ordered key list: current key first, previous keys
// after. Tokens signed with any listed key verify until they age out.
type Keychain struct {
	keys   []Key
	maxAge time.Duration
}

func NewKeychain(maxAge time.Duration, keys ...Key) (*Keychain, error) {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	active := make([]Key, 0, len(keys))
	for _, k := range keys {
		if len(k.Secret) == 0 {
			continue
		}
		active = append(active, k)
	}
	if len(active) == 0 {
		return nil, errors.New("mergetoken: at least one signing key required")
	}
	return &Keychain{keys: active, maxAge: maxAge}, nil
}

func (kc *Keychain) lookup(version int) (Key, bool) {
	for _, k := range kc.keys {
		if k.Version == version {
			return k, true
		}
	}
	return Key{}, false
}

// Sign serializes the payload and signs it with the current (first) key.
// Token format: v<version>.<base64url payload>.<base64url hmac-sha256>.
func (kc *Keychain) Sign(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("mergetoken: marshal payload: %w", err)
	}
	key := kc.keys[0]
	body := "v" + strconv.Itoa(key.Version) + "." + base64.RawURLEncoding.EncodeToString(raw)
	mac := hmac.New(sha256.New, key.Secret)
	_, _ = mac.Write([]byte(body))
	return body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify parses and authenticates a raw cookie value. The input is
// attacker-controlled; every failure maps to a typed error and no input can
// panic. A token signed by a previous key in the chain remains valid until
// it exceeds the configured max age.
func (kc *Keychain) Verify(raw string, now time.Time) (Payload, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "v") {
		return Payload{}, ErrMalformed
	}
	version, err := strconv.Atoi(parts[0][1:])
	if err != nil {
		return Payload{}, ErrMalformed
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Payload{}, ErrMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Payload{}, ErrMalformed
	}
	key, ok := kc.lookup(version)
	if !ok {
		return Payload{}, ErrUnknownVersion
	}
	mac := hmac.New(sha256.New, key.Secret)
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Payload{}, ErrBadSignature
	}
	var p Payload
	if err := json.Unmarshal(payloadRaw, &p); err != nil {
		return Payload{}, ErrMalformed
	}
	if strings.TrimSpace(p.AnonUID) == "" || p.IssuedAt <= 0 {
		return Payload{}, ErrMalformed
	}
	issued := time.Unix(p.IssuedAt, 0)
	if issued.After(now.Add(time.Minute)) || now.Sub(issued) > kc.maxAge {
		return Payload{}, ErrExpired
	}
	return p, nil
}
