// -------------------------------------------------------------------------------
// WARC Digests - Block Digest Computation
//
// Project: Yggdrasil
//
// Block digests are SHA-1 in base32 with a "sha1:" prefix. Callers compute
// them before writing; the writer stores them verbatim.
// -------------------------------------------------------------------------------

package warc

import (
	"bytes"
	"crypto/sha1"
	"encoding/base32"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// DigestAlgorithm is the block digest algorithm recorded in WARC-Block-Digest.
const DigestAlgorithm = "sha1"

// ComputeDigest reads r to the end and returns its block digest in header form
// ("sha1:<base32>") along with the number of bytes read.
func ComputeDigest(r io.Reader) (string, int64, error) {
	d := NewDigester()
	n, err := io.Copy(d, r)
	if err != nil {
		return "", n, fmt.Errorf("computing digest: %w", err)
	}
	return d.Digest(), n, nil
}

// Digester computes a block digest from everything written to it.
type Digester struct {
	h hash.Hash
}

// NewDigester returns an empty Digester.
func NewDigester() *Digester {
	return &Digester{h: sha1.New()}
}

func (d *Digester) Write(p []byte) (int, error) { return d.h.Write(p) }

// Digest returns the digest in header form.
func (d *Digester) Digest() string {
	return DigestAlgorithm + ":" + base32.StdEncoding.EncodeToString(d.h.Sum(nil))
}

// DigestBytes returns the block digest of b.
func DigestBytes(b []byte) string {
	d, _, _ := ComputeDigest(bytes.NewReader(b))
	return d
}

// DigestFile returns the block digest and size of the file at path.
func DigestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return ComputeDigest(f)
}

// DigestsEqual compares two header digests. The algorithm label is case
// insensitive; the base32 value is not.
func DigestsEqual(a, b string) bool {
	aAlg, aVal, okA := strings.Cut(a, ":")
	bAlg, bVal, okB := strings.Cut(b, ":")
	if !okA || !okB {
		return false
	}
	return strings.EqualFold(aAlg, bAlg) && aVal == bVal
}
