// Package sqlnorm strips batch separators and database-switch directives
// from submitted SQL so statements run inside the configured database.
package sqlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize drops empty lines, bare GO separators and USE directives,
// preserving the casing and internal whitespace of surviving lines.
// Idempotent.
func Normalize(sql string) string {
	var out []string
	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimRight(line, "\r")
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		u := strings.ToUpper(s)
		if u == "GO" {
			continue
		}
		if strings.HasPrefix(u, "USE ") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// Hash returns the SHA-256 hex digest of the normalized query text. Stored
// alongside the job for deduplication analysis; never enforced.
func Hash(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}
