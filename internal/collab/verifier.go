package collab

import (
	"context"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/supervisor"
)

// DigestVerifier pins artifacts to a SHA-256 digest. An artifact without a
// digest passes unless RequireVerified is set.
type DigestVerifier struct {
	RequireVerified bool
}

// Verify hashes the artifact and compares it with its pinned digest.
func (v DigestVerifier) Verify(ctx context.Context, artifact supervisor.Artifact) error {
	if artifact.Digest == "" {
		if v.RequireVerified {
			return fmt.Errorf("%s has no pinned digest: %w", artifact.Path, supervisor.ErrUntrusted)
		}
		return nil
	}
	want, err := config.ParseDigest(artifact.Digest)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", artifact.Path, supervisor.ErrSignatureInvalid, err)
	}
	got, err := fileDigest(ctx, artifact.Path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%s: digest %s does not match pinned %s: %w", artifact.Path, got, want, supervisor.ErrSignatureInvalid)
	}
	return nil
}

func fileDigest(ctx context.Context, path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", path, supervisor.ErrArtifactNotFound, err)
	}
	defer f.Close()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d, err := digest.SHA256.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return d, nil
}
