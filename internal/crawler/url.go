package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

var errUnsupportedScheme = errors.New("unsupported scheme")

// NormalizeURL standardizes a URL so equivalent links dedupe to one key.
// It lowercases the scheme and host, drops default ports and fragments, and
// sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return normalize(u), nil
}

// ResolveURL resolves ref against the page it was found on and normalizes the
// result. Only http(s) links survive; mailto:, javascript: and friends are
// rejected.
func ResolveURL(pageURL, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", fmt.Errorf("resolve %q: empty reference", ref)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference: %w", err)
	}
	abs := base.ResolveReference(rel)
	switch strings.ToLower(abs.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("resolve %q: %w %q", ref, errUnsupportedScheme, abs.Scheme)
	}
	if abs.Host == "" {
		return "", fmt.Errorf("resolve %q: missing host", ref)
	}
	return normalize(abs), nil
}

// SameHost reports whether both URLs point at the same hostname.
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Hostname() != "" && strings.EqualFold(ua.Hostname(), ub.Hostname())
}

// FilenameFromURL returns the last path segment of a document URL, or the
// hostname when the path is empty.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return u.Hostname()
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		return unescaped
	}
	return base
}

func normalize(u *url.URL) string {
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String()
}
