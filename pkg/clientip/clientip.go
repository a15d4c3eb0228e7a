// Package clientip derives one canonical client address per request and a
// one-way hash of it, so raw IPs never reach rate-limit keys or logs.
package clientip

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Unknown is returned when no usable address can be derived. It still hashes
// to a stable key, so requests without an address share one bucket.
const Unknown = "unknown"

// Resolver normalizes the client address. With no trusted CIDRs configured,
// the left-most X-Forwarded-For entry wins whenever the header is present.
// With CIDRs configured, forwarding headers are honored only when the
// immediate peer is a trusted proxy.
type Resolver struct {
	TrustedProxyCIDRs []*net.IPNet
}

func ParseCIDRs(raw string) []*net.IPNet {
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(part); err == nil {
			out = append(out, network)
		}
	}
	return out
}

// FromRequest performs no I/O and cannot fail; it only normalizes.
func (rv Resolver) FromRequest(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if len(rv.TrustedProxyCIDRs) == 0 || rv.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
				return candidate
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return Unknown
	}
	return remoteIP
}

func (rv Resolver) isTrustedProxy(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range rv.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// Hash returns the salted SHA-256 of the canonical address, hex encoded.
func Hash(ip string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil))
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		addr = host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}
