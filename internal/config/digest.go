package config

import (
	_ "crypto/sha256"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ParseDigest accepts "sha256:<hex>" or a bare sha256 hex string.
func ParseDigest(raw string) (digest.Digest, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("digest is empty")
	}
	if !strings.Contains(raw, ":") {
		raw = string(digest.SHA256) + ":" + raw
	}
	d, err := digest.Parse(strings.ToLower(raw))
	if err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", raw, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return "", fmt.Errorf("unsupported digest algorithm %q (expected sha256)", d.Algorithm())
	}
	return d, nil
}
