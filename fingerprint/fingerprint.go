// Package fingerprint derives stable identities and change-detection hashes
// for normalized items. Identity (the fingerprint) is a function of the
// item's immutable coordinates and never changes across runs; the content
// hash covers only the mutable fields and is used to detect meaningful
// change, never identity.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tidewater/briefd/item"
)

// hashLen is the number of hex characters kept from each SHA-256 digest.
// 16 hex chars = 64 bits of hash space per (user, source) namespace.
// Collisions across distinct logical items are an accepted risk at this
// length; no collision detection is performed.
const hashLen = 16

// timeBucket is the granularity of the fallback fingerprint's time
// component. Hour-level bucketing absorbs fetch-time jitter so one logical
// item does not fragment into several fingerprints across nearby fetches.
const timeBucket = time.Hour

// Field names used in the per-field hash map and in "what changed" reasons.
const (
	FieldTitle   = "title"
	FieldSummary = "summary"
	FieldStatus  = "status"
	FieldDates   = "dates"
)

// Fingerprint returns the stable identity for an item, prefixed with its
// source so fingerprints read as "email:3f2a..." in logs and feedback.
// Given a source_id it hashes (type, source_id); without one it falls back
// to (normalized url, hour bucket, normalized title).
func Fingerprint(it item.Item) string {
	var key string
	if strings.TrimSpace(it.SourceID) != "" {
		key = it.Type + "\x1f" + it.SourceID
	} else {
		key = NormalizeURL(it.URL) + "\x1f" +
			it.Timestamp.UTC().Truncate(timeBucket).Format(time.RFC3339) + "\x1f" +
			NormalizeTitle(it.Title)
	}
	return it.Source + ":" + shortHash(key)
}

// FieldHashes hashes each mutable field separately. Storing these instead of
// raw content lets the novelty classifier name which fields changed without
// the store ever holding the content itself.
func FieldHashes(it item.Item) map[string]string {
	dates := ""
	if it.Deadline != nil {
		dates = it.Deadline.UTC().Format(time.RFC3339)
	}
	return map[string]string{
		FieldTitle:   shortHash(it.Title),
		FieldSummary: shortHash(it.Summary),
		FieldStatus:  shortHash(it.Status),
		FieldDates:   shortHash(dates),
	}
}

// ContentHash collapses the per-field hashes into a single change-detection
// hash over the item's mutable fields.
func ContentHash(it item.Item) string {
	return CombineFieldHashes(FieldHashes(it))
}

// CombineFieldHashes produces the content hash from a field-hash map. Fields
// are combined in sorted order so the result is independent of map iteration.
func CombineFieldHashes(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(fields[name])
		sb.WriteByte('\x1f')
	}
	return shortHash(sb.String())
}

// NormalizeURL canonicalizes a URL for the fallback fingerprint: lowercased
// scheme/host, default ports and trailing slashes stripped, tracking query
// parameters removed. Unparseable input is returned trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.Fragment = ""

	q := u.Query()
	for param := range q {
		if strings.HasPrefix(param, "utm_") || param == "ref" || param == "fbclid" || param == "gclid" {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// NormalizeTitle lowercases a title and collapses runs of whitespace so
// cosmetic formatting differences do not fragment the fallback fingerprint.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLen]
}
