// Package cachekey derives the deterministic cache keys shared by every cache
// tier. A key has the form
//
//	{kind}:{entity_id}:{attr}:{attr}...
//
// where the attribute segments follow a fixed order per kind:
//
//	translation: field, lang
//	explanation: section, option, correct
//
// Attributes outside a kind's schema are appended after the schema segments
// as name=value pairs sorted by name. A missing or empty schema attribute is
// rendered as "unknown" so two variants that both omit an attribute never
// collapse into an empty segment.
//
// Requests without a stable entity id get an ephemeral key of the form
// {kind}:unknown:{hash}. Such keys are unique per call and never produce a
// hit; callers that want reuse must supply an id.
package cachekey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the upstream operation a cached value was produced by.
type Kind string

// Supported kinds.
const (
	KindTranslation Kind = "translation"
	KindExplanation Kind = "explanation"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindTranslation || k == KindExplanation
}

// Attribute names with a fixed position in the key.
const (
	AttrField   = "field"
	AttrLang    = "lang"
	AttrSection = "section"
	AttrOption  = "option"
	AttrCorrect = "correct"
)

// Placeholder stands in for missing attributes and absent entity ids.
const Placeholder = "unknown"

var schemas = map[Kind][]string{
	KindTranslation: {AttrField, AttrLang},
	KindExplanation: {AttrSection, AttrOption, AttrCorrect},
}

// Attrs holds the variant attributes of a request.
type Attrs map[string]string

// ID returns a pointer to v, for use as the optional entity id.
func ID(v int64) *int64 { return &v }

// Bool renders a correctness flag the way keys expect it.
func Bool(b bool) string { return strconv.FormatBool(b) }

// Build returns the cache key for (kind, entityID, attrs). It is pure for a
// non-nil entityID; with a nil entityID it returns an ephemeral key.
func Build(kind Kind, entityID *int64, attrs Attrs) string {
	if entityID == nil {
		return string(kind) + ":" + Placeholder + ":" + freshnessHash()
	}

	parts := []string{string(kind), strconv.FormatInt(*entityID, 10)}
	schema := schemas[kind]
	for _, name := range schema {
		parts = append(parts, segment(attrs[name]))
	}

	var extra []string
	for name, value := range attrs {
		if inSchema(schema, name) {
			continue
		}
		extra = append(extra, name+"="+segment(value))
	}
	sort.Strings(extra)
	parts = append(parts, extra...)

	return strings.Join(parts, ":")
}

// IsEphemeral reports whether key was built without an entity id.
func IsEphemeral(key string) bool {
	kind, rest, ok := strings.Cut(key, ":")
	if !ok || kind == "" {
		return false
	}
	return strings.HasPrefix(rest, Placeholder+":")
}

func segment(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return Placeholder
	}
	// ':' separates segments.
	return strings.ReplaceAll(v, ":", "_")
}

func inSchema(schema []string, name string) bool {
	for _, s := range schema {
		if s == name {
			return true
		}
	}
	return false
}

func freshnessHash() string {
	var token [24]byte
	binary.BigEndian.PutUint64(token[:8], uint64(time.Now().UnixNano()))
	_, _ = rand.Read(token[8:])
	sum := sha256.Sum256(token[:])
	return hex.EncodeToString(sum[:6])
}
