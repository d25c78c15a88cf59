// Package identity derives the engine's deterministic identifiers.
//
// Every core ID is a SHA-256 digest of normalized inputs, so re-ingesting
// the same source always yields the same IDs. The wire form is a URN,
// e.g. urn:ct:doc:3f2a... with a 128-bit hex payload.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// URN namespaces.
const (
	nsDoc     = "urn:ct:doc:"
	nsChunk   = "urn:ct:chunk:"
	nsMention = "urn:ct:mention:"
	nsEntity  = "urn:ct:entity:"
)

// componentSep joins tuple components before hashing. Components are
// escaped so the separator cannot occur inside them.
const componentSep = "\x1f"

// DefaultTrackingParams are query parameters stripped during URL
// normalization unless the caller configures its own set.
var DefaultTrackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"gclid", "fbclid", "ref", "mc_cid", "mc_eid", "igshid",
}

// Service derives deterministic IDs. It is pure and safe for concurrent use.
type Service struct {
	trackingParams map[string]struct{}
}

// NewService creates a Service stripping the given tracking parameters.
// A nil slice selects DefaultTrackingParams.
func NewService(trackingParams []string) *Service {
	if trackingParams == nil {
		trackingParams = DefaultTrackingParams
	}
	set := make(map[string]struct{}, len(trackingParams))
	for _, p := range trackingParams {
		set[strings.ToLower(p)] = struct{}{}
	}
	return &Service{trackingParams: set}
}

// NormalizeURL canonicalizes rawURL: lowercases scheme and host, drops the
// fragment, strips tracking parameters, collapses duplicate slashes in the
// path, and removes the trailing slash except at the root.
func (s *Service) NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	// Re-encode the query with tracking params removed and keys sorted
	// so parameter order does not change the doc_id.
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if _, drop := s.trackingParams[strings.ToLower(key)]; drop {
				q.Del(key)
			}
		}
		u.RawQuery = encodeSortedQuery(q)
	}

	u.Path = collapseSlashes(u.Path)
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	// Round-trip through Parse so percent-escapes are re-encoded uniformly.
	u.RawPath = ""

	return u.String(), nil
}

// DocID returns the document ID for rawURL after normalization.
func (s *Service) DocID(rawURL string) (string, error) {
	normalized, err := s.NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	return nsDoc + digest(normalized), nil
}

// ChunkID returns the chunk ID for a byte range of a document.
func (s *Service) ChunkID(docID string, byteStart, byteEnd int) string {
	return nsChunk + digest(join(docID, fmt.Sprintf("%d", byteStart), fmt.Sprintf("%d", byteEnd)))
}

// MentionID returns the mention ID for a surface occurrence inside a chunk.
func (s *Service) MentionID(chunkID string, spanStart, spanEnd int, surface string) string {
	return nsMention + digest(join(chunkID, fmt.Sprintf("%d", spanStart), fmt.Sprintf("%d", spanEnd), surface))
}

// EntityID returns the entity ID for a canonical name and type. The name is
// case- and whitespace-normalized so "Ada  Lovelace" and "ada lovelace"
// resolve to the same entity.
func (s *Service) EntityID(canonicalName, entityType string) string {
	name := NormalizeName(canonicalName)
	return nsEntity + digest(join(name, strings.ToUpper(entityType)))
}

// NormalizeName lowercases a canonical name and collapses interior whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// join escapes each component and concatenates with the separator.
func join(components ...string) string {
	escaped := make([]string, len(components))
	for i, c := range components {
		c = strings.ReplaceAll(c, "\\", "\\\\")
		c = strings.ReplaceAll(c, componentSep, "\\u")
		escaped[i] = c
	}
	return strings.Join(escaped, componentSep)
}

// digest returns the first 16 bytes of SHA-256 as lowercase hex.
func digest(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}

// encodeSortedQuery encodes values with keys in lexicographic order.
func encodeSortedQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
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

// collapseSlashes rewrites "//a///b" as "/a/b".
func collapseSlashes(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}
