package citations

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var lowerCaser = cases.Lower(language.Und)

// Normalize applies spec §4.7's normalization rule: lowercase scheme+host,
// strip trailing slash, remove fragment, drop utm_* tracking params,
// coalesce duplicate query keys (last value wins, keys sorted).
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	u.Scheme = lowerCaser.String(u.Scheme)
	u.Host = lowerCaser.String(u.Host)
	u.Fragment = ""

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if strings.HasPrefix(key, "utm_") {
				q.Del(key)
			}
		}
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			vals := q[k]
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(vals[len(vals)-1])
		}
		u.RawQuery = b.String()
	}

	return u.String(), nil
}

// CID computes "cid_" + sha256(normalized_url_utf8) (spec §4.7).
func CID(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return "cid_" + hex.EncodeToString(sum[:])
}

// IsPrivateOrLocal reports whether normalizedURL's host resolves to a
// private, loopback, or link-local target, for the SSRF policy applied in
// online validation modes (spec §4.7). Hosts that are already literal IPs
// are checked directly; hostnames are treated conservatively as public
// unless they are exactly "localhost".
func IsPrivateOrLocal(normalizedURL string) bool {
	u, err := url.Parse(normalizedURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
