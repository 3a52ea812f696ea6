package manifest

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/conn-castle/fastchain/internal/messages"
)

// BLAKE3 is the 256-bit BLAKE3 digest algorithm.
const BLAKE3 digest.Algorithm = "blake3"

const blake3Size = 32

// ParseDigest parses "algorithm:hex". A bare hex string is read as sha256,
// the format published in dist-server ".sha256" sidecars.
func ParseDigest(raw string) (digest.Digest, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New(messages.ManifestDigestRequired)
	}
	var d digest.Digest
	if strings.Contains(raw, ":") {
		d = digest.Digest(strings.ToLower(raw))
	} else {
		d = digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(raw))
	}
	if err := ValidateDigest(d); err != nil {
		return "", err
	}
	return d, nil
}

// ValidateDigest checks that d names a supported algorithm and has an
// encoded value of the right length.
func ValidateDigest(d digest.Digest) error {
	if d == "" {
		return errors.New(messages.ManifestDigestRequired)
	}
	if !strings.Contains(string(d), ":") {
		return fmt.Errorf(messages.ManifestDigestInvalidFmt, string(d), digest.ErrDigestInvalidFormat)
	}
	if d.Algorithm() == BLAKE3 {
		encoded := d.Encoded()
		raw, err := hex.DecodeString(encoded)
		if err != nil || len(raw) != blake3Size || strings.ToLower(encoded) != encoded {
			return fmt.Errorf(messages.ManifestDigestInvalidFmt, string(d), digest.ErrDigestInvalidFormat)
		}
		return nil
	}
	switch d.Algorithm() {
	case digest.SHA256, digest.SHA512:
	default:
		return fmt.Errorf(messages.ManifestDigestUnsupportedFmt, string(d.Algorithm()))
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf(messages.ManifestDigestInvalidFmt, string(d), err)
	}
	return nil
}
