package mdht

import (
	"bytes"
	"crypto/sha1"
	cryrand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// KeyLen is the number of bytes in a Key: 20 bytes,
// or 160 bits, matching the SHA-1 infohash space
// that the Mainline DHT keys on.
const KeyLen = 20

// Key is a 160-bit identifier in the DHT keyspace. Node IDs
// and infohash targets are both Keys; the network orders them
// by the XOR metric. The zero Key is a valid value (it is
// what you get back from Distance of a key with itself),
// so callers that need a present/absent distinction should
// track that separately.
type Key [KeyLen]byte

var zeroKey Key

// RandomKey returns a Key drawn from crypto/rand.
func RandomKey() (k Key) {
	_, err := cryrand.Read(k[:])
	panicOn(err)
	return
}

// KeyFromHex parses a 40 character hex string into a Key.
// Any other length is an error. Case is ignored.
func KeyFromHex(s string) (k Key, err error) {
	if len(s) != 2*KeyLen {
		err = fmt.Errorf("KeyFromHex: want %v hex characters, got %v in '%v'", 2*KeyLen, len(s), s)
		return
	}
	var b []byte
	b, err = hex.DecodeString(s)
	if err != nil {
		err = fmt.Errorf("KeyFromHex: bad hex in '%v': %w", s, err)
		return
	}
	copy(k[:], b)
	return
}

// KeyFromBytes copies exactly 20 bytes into a Key.
func KeyFromBytes(b []byte) (k Key, err error) {
	if len(b) != KeyLen {
		err = fmt.Errorf("KeyFromBytes: want %v bytes, got %v", KeyLen, len(b))
		return
	}
	copy(k[:], b)
	return
}

// KeyFromInfo hashes arbitrary bytes down to a Key with SHA-1,
// the same digest the torrent world uses for infohashes.
func KeyFromInfo(info []byte) (k Key) {
	sum := sha1.Sum(info)
	copy(k[:], sum[:])
	return
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 8 hex characters, for logs.
func (k Key) Short() string {
	return hex.EncodeToString(k[:4])
}

// IsZero reports whether k is the all-zero key.
func (k Key) IsZero() bool {
	return k == zeroKey
}

// Distance returns the XOR of k and other, the Kademlia metric.
func (k Key) Distance(other Key) (d Key) {
	for i := range k {
		d[i] = k[i] ^ other[i]
	}
	return
}

// Compare orders keys as 160-bit big-endian unsigned integers,
// returning -1, 0, or 1.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// CommonPrefixLen returns the number of leading bits shared
// by k and other; 160 when they are equal.
func (k Key) CommonPrefixLen(other Key) int {
	for i := range k {
		x := k[i] ^ other[i]
		if x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return 8 * KeyLen
}

// DistanceOrder returns a comparator that orders a and b by
// their XOR distance to target, closest first, breaking exact
// distance ties by plain key order so the order is total.
func (target Key) DistanceOrder() func(a, b Key) int {
	return func(a, b Key) int {
		cmp := target.distCmp(a, b)
		if cmp != 0 {
			return cmp
		}
		return a.Compare(b)
	}
}

// distCmp compares a and b by distance to target without
// allocating the intermediate XOR keys.
func (target Key) distCmp(a, b Key) int {
	for i := range target {
		da := target[i] ^ a[i]
		db := target[i] ^ b[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Closer reports whether a is strictly closer to target than b.
func (target Key) Closer(a, b Key) bool {
	return target.distCmp(a, b) < 0
}

func (k Key) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

func (k *Key) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("Key.UnmarshalJSON: not a JSON string: '%v'", string(data))
	}
	k2, err := KeyFromHex(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*k = k2
	return nil
}
