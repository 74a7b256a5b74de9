package common

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

var (
	numericSegment = regexp.MustCompile(`^\d{4,}$`)
	hexSegment     = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
	alnumSegment   = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}$`)
	hasDigit       = regexp.MustCompile(`\d`)
)

// HashURL returns a stable hex digest of the URL, used as a cache and history key
func HashURL(rawURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(rawURL)))
	return hex.EncodeToString(sum[:])
}

// IsIDSegment reports whether a path segment looks like an opaque content identifier
// (long numeric, hex, or mixed alphanumeric token containing at least one digit)
func IsIDSegment(segment string) bool {
	if numericSegment.MatchString(segment) || hexSegment.MatchString(segment) {
		return true
	}
	return alnumSegment.MatchString(segment) && hasDigit.MatchString(segment)
}

// PathSegments splits a URL path into its non-empty, lower-cased segments
func PathSegments(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s = strings.TrimSpace(s); s != "" {
			segments = append(segments, strings.ToLower(s))
		}
	}
	return segments
}

// NormalizeURLPattern reduces a URL to its pattern: host plus path with ID-shaped
// segments replaced by {id}. Query and fragment are dropped.
//
//	https://www.weibo.com/123456789/NxYz12abCD?from=x -> weibo.com/{id}/{id}
func NormalizeURLPattern(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	parts := []string{host}
	for _, segment := range strings.Split(u.Path, "/") {
		if segment == "" {
			continue
		}
		if IsIDSegment(segment) {
			parts = append(parts, "{id}")
		} else {
			parts = append(parts, strings.ToLower(segment))
		}
	}
	return strings.Join(parts, "/")
}

// SameURL compares two URLs ignoring fragment, trailing slash and www. prefix
func SameURL(a, b string) bool {
	return canonicalURL(a) == canonicalURL(b)
}

func canonicalURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	u.Fragment = ""
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.Scheme + "://" + u.Host + u.Path + "?" + u.RawQuery
}

// OriginOf returns scheme://host for a URL, or "" if it cannot be parsed
func OriginOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
