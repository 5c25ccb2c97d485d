package pow

import (
	"encoding/binary"
	"hash"
	"sync"

	"github.com/jzelinskie/whirlpool"
)

// hasherPool reuses Whirlpool states across scans
var hasherPool = sync.Pool{
	New: func() any {
		return whirlpool.New()
	},
}

// WhirlpoolXor hashes b with Whirlpool-512 and folds the digest to 32 bytes
// with xored[i] = digest[i] ^ digest[i+16]. The result is read as eight
// little-endian words, word 7 being the most significant.
func WhirlpoolXor(b []byte) [8]uint32 {
	h := hasherPool.Get().(hash.Hash)
	h.Reset()
	h.Write(b)

	var sum [64]byte
	h.Sum(sum[:0])
	hasherPool.Put(h)

	var xored [32]byte
	for i := range xored {
		xored[i] = sum[i] ^ sum[i+16]
	}

	var out [8]uint32
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(xored[4*i:])
	}
	return out
}
