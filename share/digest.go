package chshare

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// DigestSize is the length in bytes of an MD5 digest
const DigestSize = md5.Size

// Digest is a 16-byte MD5 digest. The MD5 algorithm itself is treated
// as a black box (crypto/md5); this type only adds the hex/nonce
// plumbing the authentication handshake and registration poster need.
type Digest [DigestSize]byte

// ComputeDigest returns the MD5 digest of b
func ComputeDigest(b []byte) Digest {
	return Digest(md5.Sum(b))
}

// Hex returns the lowercase hex encoding of a Digest
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// Equal does a constant-structure byte comparison of two digests
func (d Digest) Equal(other Digest) bool {
	for i := range d {
		if d[i] != other[i] {
			return false
		}
	}
	return true
}

// NewNonce generates a 32-bit nonce from the OS CSPRNG (crypto/rand,
// treated as a black box per spec.md §1)
func NewNonce() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("unable to generate nonce: %s", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// NonceToHex8 encodes a 32-bit nonce as 8 lowercase hex characters,
// most-significant byte first (§4.5 step 2)
func NonceToHex8(nonce uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], nonce)
	return hex.EncodeToString(b[:])
}

// Hex8ToNonce decodes 8 lowercase hex characters back into a 32-bit nonce.
// It is the inverse of NonceToHex8 (Testable Property 2: round-trip law)
func Hex8ToNonce(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("nonce hex must decode to 4 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// UppercaseASCII returns a copy of s with ASCII lowercase letters
// (0x61-0x7A) mapped to uppercase (0x41-0x5A), leaving all other bytes
// untouched (§4.5 step 4)
func UppercaseASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// ExpectedPasswordResponse computes the 16-byte MD5 digest a client must
// return in the authentication handshake (§4.5 step 4, §8 Testable
// Property 1):
//
//	expected = MD5( uppercase(password) || hex8(nonce) )
func ExpectedPasswordResponse(password string, nonce uint32) Digest {
	msg := UppercaseASCII(password) + NonceToHex8(nonce)
	return ComputeDigest([]byte(msg))
}
