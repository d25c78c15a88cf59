package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_NormalizeURL_StripsTrackingParams(t *testing.T) {
	svc := NewService(nil)

	got, err := svc.NormalizeURL("https://Example.com/a?utm_source=x&utm_medium=email")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", got)
}

func TestService_NormalizeURL_KeepsMeaningfulParams(t *testing.T) {
	svc := NewService(nil)

	got, err := svc.NormalizeURL("https://example.com/watch?v=abc&utm_source=x")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/watch?v=abc", got)
}

func TestService_NormalizeURL_QueryOrderIrrelevant(t *testing.T) {
	svc := NewService(nil)

	a, err := svc.NormalizeURL("https://example.com/p?b=2&a=1")
	require.NoError(t, err)
	b, err := svc.NormalizeURL("https://example.com/p?a=1&b=2")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestService_NormalizeURL_PathCleanup(t *testing.T) {
	svc := NewService(nil)

	got, err := svc.NormalizeURL("HTTPS://EXAMPLE.COM//a///b/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a/b", got)

	// Root keeps its slash.
	got, err = svc.NormalizeURL("https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", got)
}

func TestService_NormalizeURL_DropsFragment(t *testing.T) {
	svc := NewService(nil)

	got, err := svc.NormalizeURL("https://example.com/a#section-2")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", got)
}

func TestService_NormalizeURL_RejectsBadInput(t *testing.T) {
	svc := NewService(nil)

	_, err := svc.NormalizeURL("ftp://example.com/a")
	assert.Error(t, err)

	_, err = svc.NormalizeURL("not a url")
	assert.Error(t, err)

	_, err = svc.NormalizeURL("https:///no-host")
	assert.Error(t, err)
}

func TestService_DocID_Deterministic(t *testing.T) {
	svc := NewService(nil)

	a, err := svc.DocID("https://example.com/a?utm_source=x")
	require.NoError(t, err)
	b, err := svc.DocID("https://EXAMPLE.com/a")
	require.NoError(t, err)

	// Tracking params and host case do not change the doc_id.
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "urn:ct:doc:"))
	// 128-bit payload: 32 hex chars.
	assert.Len(t, strings.TrimPrefix(a, "urn:ct:doc:"), 32)
}

func TestService_DocID_DistinctURLs(t *testing.T) {
	svc := NewService(nil)

	a, err := svc.DocID("https://example.com/a")
	require.NoError(t, err)
	b, err := svc.DocID("https://example.com/b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestService_ChunkID_DependsOnRange(t *testing.T) {
	svc := NewService(nil)

	doc := "urn:ct:doc:0123456789abcdef0123456789abcdef"
	a := svc.ChunkID(doc, 0, 1000)
	b := svc.ChunkID(doc, 0, 1000)
	c := svc.ChunkID(doc, 800, 1800)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "urn:ct:chunk:"))
}

func TestService_MentionID_DependsOnSurface(t *testing.T) {
	svc := NewService(nil)

	chunk := "urn:ct:chunk:0123456789abcdef0123456789abcdef"
	a := svc.MentionID(chunk, 10, 22, "Ada Lovelace")
	b := svc.MentionID(chunk, 10, 22, "Ada Lovelace")
	c := svc.MentionID(chunk, 10, 22, "Charles Babbage")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestService_EntityID_NameNormalization(t *testing.T) {
	svc := NewService(nil)

	// Case and interior whitespace are normalized away.
	a := svc.EntityID("Ada  Lovelace", "PERSON")
	b := svc.EntityID("ada lovelace", "person")
	assert.Equal(t, a, b)

	// Same name, different type is a different entity.
	c := svc.EntityID("ada lovelace", "ORG")
	assert.NotEqual(t, a, c)
}

func TestService_CustomTrackingParams(t *testing.T) {
	svc := NewService([]string{"session"})

	got, err := svc.NormalizeURL("https://example.com/a?session=1&utm_source=x")
	require.NoError(t, err)
	// Only the configured param is stripped.
	assert.Equal(t, "https://example.com/a?utm_source=x", got)
}

func TestJoin_SeparatorEscaping(t *testing.T) {
	// A component containing the separator byte must not collide with
	// a component split at that byte.
	a := digest(join("ab\x1fc", "d"))
	b := digest(join("ab", "c\x1fd"))
	c := digest(join("ab", "c", "d"))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, b, c)
}
