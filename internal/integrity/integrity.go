// Package integrity verifies downloaded tarball bytes against the
// "sha512-<base64>" / "sha256-<base64>" / "sha1-<base64>" strings npm
// registries publish in a version's dist.integrity (or synthesize from
// dist.shasum for older records, see registry.DistInfo.SynthesizedIntegrity).
package integrity

import (
	"crypto/sha1" //nolint:gosec // npm's older registry records only ever published sha1
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
)

// Mismatch is returned by Verify when the computed digest does not match
// the expected integrity string.
type Mismatch struct {
	Expected string
	Actual   string
}

func (e *Mismatch) Error() string {
	return fmt.Sprintf("integrity: checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Verify hashes data with the algorithm named in expected ("sha512-...",
// "sha256-...", or "sha1-...") and reports a *Mismatch if it disagrees.
// An empty expected string is treated as "nothing to verify against" and
// always succeeds, matching registries that omit both integrity and shasum.
func Verify(data []byte, expected string) error {
	if expected == "" {
		return nil
	}
	algo, wantB64, err := split(expected)
	if err != nil {
		return err
	}

	h, err := newHash(algo)
	if err != nil {
		return err
	}
	h.Write(data)
	gotB64 := base64.StdEncoding.EncodeToString(h.Sum(nil))

	if gotB64 != wantB64 {
		return &Mismatch{Expected: expected, Actual: algo + "-" + gotB64}
	}
	return nil
}

func split(integrity string) (algo, b64 string, err error) {
	idx := strings.Index(integrity, "-")
	if idx < 0 {
		return "", "", fmt.Errorf("integrity: malformed integrity string %q", integrity)
	}
	return integrity[:idx], integrity[idx+1:], nil
}

func newHash(algo string) (hash.Hash, error) {
	switch algo {
	case "sha512":
		return sha512.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha1":
		return sha1.New(), nil //nolint:gosec
	default:
		return nil, fmt.Errorf("integrity: unsupported algorithm %q", algo)
	}
}
