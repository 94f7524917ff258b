package transfer

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Algorithm names a digest computed while streaming.
type Algorithm string

const (
	MD5      Algorithm = "md5"
	SHA256   Algorithm = "sha256"
	CRC32C   Algorithm = "crc32c"
	XXHash64 Algorithm = "xxhash64"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ParseAlgorithm maps a configured name to an Algorithm. Empty selects MD5.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", MD5:
		return MD5, nil
	case SHA256:
		return SHA256, nil
	case CRC32C:
		return CRC32C, nil
	case XXHash64:
		return XXHash64, nil
	default:
		return "", fmt.Errorf("unknown digest algorithm %q", name)
	}
}

// New returns a fresh accumulator for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case CRC32C:
		return crc32.New(crc32cTable), nil
	case XXHash64:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", string(a))
	}
}

// Digest is a finalized checksum.
type Digest struct {
	Algorithm Algorithm
	Sum       []byte
}

// Hex returns the checksum as lowercase hex.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Sum)
}

// String returns "<algorithm>:<hex>".
func (d Digest) String() string {
	return string(d.Algorithm) + ":" + d.Hex()
}

// Sum computes the digest of data in one shot.
func Sum(a Algorithm, data []byte) (Digest, error) {
	h, err := a.New()
	if err != nil {
		return Digest{}, err
	}
	h.Write(data)
	return Digest{Algorithm: a, Sum: h.Sum(nil)}, nil
}
