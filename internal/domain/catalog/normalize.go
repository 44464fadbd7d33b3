// Package catalog turns the noisy multi-worker stream of rediscovered
// artifacts into a stable, globally unique inventory. Artifacts are
// canonicalized, hashed, and upserted under a (scope, content hash) key with
// rediscovery counters and gap-filling enrichment.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrEmptyArtifact is returned when a raw artifact is blank.
var ErrEmptyArtifact = errors.New("empty artifact")

// Normalize canonicalizes a raw artifact and derives its content hash. Every
// producer must normalize through this function so the same discovery hashes
// identically regardless of which worker emitted it. Normalization is
// idempotent: feeding the canonical form back in returns it unchanged.
//
// URLs: scheme and host lowercased, default ports dropped, fragment removed,
// query parameters sorted bytewise by key then value, a single trailing slash
// stripped from non-root paths. Bare hostnames: lowercased with any trailing
// dot removed. The hash is the SHA-256 hex digest of the canonical string.
func Normalize(raw string) (canonical string, contentHash string, err error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", ErrEmptyArtifact
	}

	if strings.Contains(trimmed, "://") {
		canonical, err = canonicalURL(trimmed)
		if err != nil {
			return "", "", err
		}
	} else {
		canonical = canonicalHost(trimmed)
	}

	sum := sha256.Sum256([]byte(canonical))
	return canonical, hex.EncodeToString(sum[:]), nil
}

func canonicalURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing artifact %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("artifact %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	host := canonicalHost(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(u.Scheme, port) {
		host = host + ":" + port
	} else if strings.Contains(host, ":") {
		// Unbracketed IPv6 literal.
		host = "[" + host + "]"
	}
	u.Host = host

	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		u.RawQuery = canonicalQuery(u.Query())
	}

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}

	return u.String(), nil
}

func canonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	return host
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	}
	return false
}

func canonicalQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), values[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
