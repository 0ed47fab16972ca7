// Package digest provides the content digest used to decide whether a
// repository's source paths have changed since the last backup pass.
//
// A HexDigest is kept deliberately distinct from a plain string so that a
// digest read back from a statefile is validated once, at the edge, and is
// never confused with arbitrary text afterwards.
package digest

import (
	"bytes"
	"fmt"
)

// A HexDigest wraps the raw bytes of a content digest. The zero value is the
// sentinel digest: it has no bytes and can never equal a digest computed from
// real content.
type HexDigest struct {
	b []byte
}

// New returns a HexDigest holding a copy of the given bytes.
func New(b []byte) HexDigest {
	d := HexDigest{b: make([]byte, len(b))}
	copy(d.b, b)
	return d
}

const hexdigits = "0123456789abcdef"

// String renders the digest as lowercase hex, two characters per byte. The
// sentinel digest renders as the empty string.
func (d HexDigest) String() string {
	var buf bytes.Buffer
	for _, x := range d.b {
		buf.WriteByte(hexdigits[x>>4])
		buf.WriteByte(hexdigits[x&0xf])
	}
	return buf.String()
}

// Parse decodes a lowercase or uppercase hex string into a HexDigest. An
// odd-length string or a non-hex character is an error naming the offending
// position. An empty string parses to the sentinel digest.
func Parse(s string) (HexDigest, error) {
	if len(s)%2 != 0 {
		return HexDigest{}, fmt.Errorf("digest: odd length %d", len(s))
	}
	b := make([]byte, len(s)/2)
	for i := 0; i < len(s); i++ {
		v, ok := unhex(s[i])
		if !ok {
			return HexDigest{}, fmt.Errorf("digest: bad character %q at position %d", s[i], i)
		}
		if i%2 == 0 {
			b[i/2] = v << 4
		} else {
			b[i/2] |= v
		}
	}
	return HexDigest{b: b}, nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Equal compares two digests byte-wise. The sentinel digest is equal only to
// another sentinel.
func (d HexDigest) Equal(other HexDigest) bool {
	return bytes.Equal(d.b, other.b)
}

// IsSentinel reports whether this is the zero digest, i.e. no digest has been
// recorded yet.
func (d HexDigest) IsSentinel() bool {
	return len(d.b) == 0
}

// A Func computes the digest of a list of concrete, already-expanded
// filesystem paths. The scheduler depends only on this type, so tests can
// substitute a canned digest for the real tree walk.
type Func func(paths []string) (HexDigest, error)
