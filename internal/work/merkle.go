package work

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// doubleSHA256 returns SHA256(SHA256(b))
func doubleSHA256(b []byte) chainhash.Hash {
	first := sha256Sum(b)
	return chainhash.Hash(sha256Sum(first[:]))
}

// MerkleRoot folds the coinbase hash with each branch hash in order:
// root = dSHA256(coinbase), then root = dSHA256(root || branch[i]).
// Hashes are kept in internal byte order.
func MerkleRoot(coinbase []byte, branch []chainhash.Hash) chainhash.Hash {
	root := doubleSHA256(coinbase)

	var buf [64]byte
	for i := range branch {
		copy(buf[:32], root[:])
		copy(buf[32:], branch[i][:])
		root = doubleSHA256(buf[:])
	}

	return root
}
