// Package auth resolves the caller's authenticated session. This service
// only consumes sessions issued upstream; it never mints them.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNoSession      = errors.New("auth: no session credential")
	ErrInvalidSession = errors.New("auth: invalid session credential")
)

// SessionCookie is the cookie the web client carries the session token in
// when it cannot use an Authorization header.
const SessionCookie = "session"

// AnonymousRole marks a session created without credentials. Such an
// identity can be a merge source, never a merge target.
const AnonymousRole = "anonymous"

type Principal struct {
	Subject string
	Roles   []string
}

func (p Principal) IsAnonymous() bool {
	return HasAnyRole(p, AnonymousRole)
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

type contextKey string

const principalContextKey contextKey = "jewgo.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

type SessionClaims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
	Iat   int64    `json:"iat,omitempty"`
}

// VerifySessionToken validates an HS256-signed compact token. Input is
// hostile; every failure maps to ErrInvalidSession.
func VerifySessionToken(token, secret string, now time.Time) (SessionClaims, error) {
	if secret == "" {
		return SessionClaims{}, errors.New("auth: session secret required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return SessionClaims{}, ErrInvalidSession
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return SessionClaims{}, ErrInvalidSession
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return SessionClaims{}, ErrInvalidSession
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return SessionClaims{}, ErrInvalidSession
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil || !strings.EqualFold(header.Alg, "HS256") {
		return SessionClaims{}, ErrInvalidSession
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return SessionClaims{}, ErrInvalidSession
	}
	var claims SessionClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return SessionClaims{}, ErrInvalidSession
	}
	if claims.Sub == "" {
		return SessionClaims{}, ErrInvalidSession
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return SessionClaims{}, ErrInvalidSession
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return SessionClaims{}, ErrInvalidSession
	}
	return claims, nil
}

// FromRequest resolves the Principal from the Authorization header or the
// session cookie, in that order.
func FromRequest(r *http.Request, secret string) (Principal, error) {
	token := ""
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			return Principal{}, ErrInvalidSession
		}
		token = strings.TrimSpace(header[len("Bearer "):])
	} else if c, err := r.Cookie(SessionCookie); err == nil {
		token = strings.TrimSpace(c.Value)
	}
	if token == "" {
		return Principal{}, ErrNoSession
	}
	claims, err := VerifySessionToken(token, secret, time.Now().UTC())
	if err != nil {
		return Principal{}, err
	}
	return Principal{Subject: claims.Sub, Roles: claims.Roles}, nil
}

// Middleware enforces a valid session and stores the Principal on the
// request context. Used for the ops surfaces; the merge endpoint resolves
// the session itself so it can clear the merge cookie on 401.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := FromRequest(r, secret)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
