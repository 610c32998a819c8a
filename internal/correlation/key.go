package correlation

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KeySize is the number of decoded bytes a correlation id must carry.
const KeySize = 16

var ErrMalformedID = errors.New("correlation: malformed id")

// Key is the 128-bit join key between an outbound call and its response.
type Key struct {
	hi uint64
	lo uint64
}

// ParseKey decodes a hex correlation id into a Key. Bytes past the first 16 are ignored.
func ParseKey(id string) (Key, error) {
	raw := strings.TrimSpace(id)
	buf, err := hex.DecodeString(raw)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: %v", ErrMalformedID, id, err)
	}
	if len(buf) < KeySize {
		return Key{}, fmt.Errorf("%w: %q decodes to %d bytes, need %d", ErrMalformedID, id, len(buf), KeySize)
	}
	return Key{
		hi: binary.BigEndian.Uint64(buf[0:8]),
		lo: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// NewKey builds a Key from its two halves.
func NewKey(hi, lo uint64) Key {
	return Key{hi: hi, lo: lo}
}

// NewID returns a fresh random correlation id in hex.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func (k Key) High() uint64 { return k.hi }
func (k Key) Low() uint64  { return k.lo }

// Hash combines both halves with a prime-31 fold. It is stable across processes.
func (k Key) Hash() int32 {
	const prime = 31
	result := int32(1)
	result = prime*result + int32(k.hi^(k.hi>>32))
	result = prime*result + int32(k.lo^(k.lo>>32))
	return result
}

func (k Key) Bytes() []byte {
	buf := make([]byte, KeySize)
	binary.BigEndian.PutUint64(buf[0:8], k.hi)
	binary.BigEndian.PutUint64(buf[8:16], k.lo)
	return buf
}

func (k Key) String() string {
	return hex.EncodeToString(k.Bytes())
}
