// Package hashing implements the content-addressing scheme shared by client
// and server. Entities such as nodes, workflows, and task resources are
// deduplicated by a SHA-256 digest over a deterministic serialization of
// their identity fields.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Digest returns the lowercase 64-character hex SHA-256 of s.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Concat digests the parts joined in order with a field separator. Use this
// when the caller controls ordering.
func Concat(parts ...string) string {
	return Digest(strings.Join(parts, "\x1f"))
}

// KV digests key-value pairs sorted by key. Equal maps always produce equal
// digests regardless of insertion order.
func KV(pairs map[string]string) string {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('\x1f')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(pairs[k])
	}
	return Digest(sb.String())
}

// SortedList digests items after sorting, for identity sets whose order is
// not significant.
func SortedList(items []string) string {
	sorted := make([]string, len(items))
	copy(sorted, items)
	sort.Strings(sorted)
	return Concat(sorted...)
}
