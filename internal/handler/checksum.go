// -------------------------------------------------------------------------------
// Checksum - Caller-Supplied Import Checksums
//
// Project: Yggdrasil
//
// Import requests may name an expected checksum as "algo:hex". The extracted
// payload is hashed with that algorithm while it is copied out.
// -------------------------------------------------------------------------------

package handler

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrBadChecksum is returned for checksum specs that cannot be parsed.
var ErrBadChecksum = errors.New("invalid checksum")

var hashes = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
	"blake3": func() hash.Hash { return blake3.New() },
}

// checksum is a caller-supplied "algorithm:hex" digest.
type checksum struct {
	algorithm string
	want      []byte
}

// parseChecksum parses spec. An empty spec yields nil.
func parseChecksum(spec string) (*checksum, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	alg, value, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("%w: expected algorithm:hex, got %q", ErrBadChecksum, spec)
	}
	alg = strings.ToLower(strings.TrimSpace(alg))
	newHash, ok := hashes[alg]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrBadChecksum, alg)
	}
	want, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadChecksum, err)
	}
	if len(want) != newHash().Size() {
		return nil, fmt.Errorf("%w: %s digest must be %d bytes", ErrBadChecksum, alg, newHash().Size())
	}
	return &checksum{algorithm: alg, want: want}, nil
}

func (c *checksum) newHash() hash.Hash { return hashes[c.algorithm]() }

func (c *checksum) String() string {
	return c.algorithm + ":" + hex.EncodeToString(c.want)
}
