// Package verify computes archive digests incrementally while bytes stream
// in and checks them against the digest pinned in the manifest.
package verify

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"

	"github.com/conn-castle/fastchain/internal/installerr"
	"github.com/conn-castle/fastchain/internal/manifest"
	"github.com/conn-castle/fastchain/internal/messages"
)

// Verifier hashes every byte written to it. It is not safe for concurrent use.
type Verifier struct {
	component string
	expected  digest.Digest
	newHash   func() hash.Hash
	hash      hash.Hash
	written   int64
}

// New returns a Verifier for one component's archive.
func New(component string, expected digest.Digest) (*Verifier, error) {
	if err := manifest.ValidateDigest(expected); err != nil {
		return nil, fmt.Errorf(messages.VerifyComponentFmt, component, err)
	}
	newHash := expected.Algorithm().Hash
	if expected.Algorithm() == manifest.BLAKE3 {
		newHash = func() hash.Hash { return blake3.New() }
	}
	return &Verifier{
		component: component,
		expected:  expected,
		newHash:   newHash,
		hash:      newHash(),
	}, nil
}

// Write implements io.Writer.
func (v *Verifier) Write(p []byte) (int, error) {
	n, err := v.hash.Write(p)
	v.written += int64(n)
	return n, err
}

// Written returns the number of bytes hashed since the last Reset.
func (v *Verifier) Written() int64 { return v.written }

// Reset discards hashed bytes so a fresh download attempt can start over.
func (v *Verifier) Reset() {
	v.hash = v.newHash()
	v.written = 0
}

// Digest returns the digest of the bytes written so far.
func (v *Verifier) Digest() digest.Digest {
	return digest.NewDigestFromEncoded(v.expected.Algorithm(), hex.EncodeToString(v.hash.Sum(nil)))
}

// Verify compares the computed digest against the expected one. It must be
// called only after the stream is exhausted.
func (v *Verifier) Verify() error {
	actual := v.Digest()
	if actual != v.expected {
		return &installerr.IntegrityError{
			Component: v.component,
			Expected:  v.expected.String(),
			Actual:    actual.String(),
		}
	}
	return nil
}
