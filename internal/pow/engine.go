// Package pow searches nonce ranges for proof-of-work solutions.
package pow

import (
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// HashFunc digests an 80-byte header into eight little-endian words
type HashFunc func(header []byte) [8]uint32

// Result is the outcome of one Scan call
type Result struct {
	Found      bool
	Nonce      uint32
	HashesDone uint64
}

// Engine dispatches scans to the configured hash function. It holds no
// per-scan state and is safe for concurrent use.
type Engine struct {
	logger     *log.Logger
	algorithms map[config.PowType]HashFunc
}

// NewEngine returns an engine with every supported algorithm registered
func NewEngine(logger *log.Logger) *Engine {
	return &Engine{
		logger: logger.WithComponent("pow"),
		algorithms: map[config.PowType]HashFunc{
			config.PowWhirlpoolXor: WhirlpoolXor,
		},
	}
}

// Supports reports whether pow has a registered hash function
func (e *Engine) Supports(pow config.PowType) bool {
	_, ok := e.algorithms[pow]
	return ok
}

// Scan hashes data for nonces from data[19] up to maxNonce. The flags are
// polled after every hash. On return data[19] holds the last nonce tried.
// An unknown pow type is logged and yields an empty Result.
func (e *Engine) Scan(pow config.PowType, data *[32]uint32, target *[8]uint32, maxNonce uint32, restart, hasNewWork *atomic.Bool) Result {
	hashFn, ok := e.algorithms[pow]
	if !ok {
		err := errors.New(errors.KindHashType, "scan", "invalid proof-of-work type").With("pow", string(pow))
		e.logger.WithError(err).Error("hash scan aborted")
		return Result{}
	}

	first := data[work.NonceIndex]
	nonce := first - 1
	header := work.EncodeHeader(data)

	for {
		nonce++
		data[work.NonceIndex] = nonce
		binary.BigEndian.PutUint32(header[4*work.NonceIndex:], nonce)

		digest := hashFn(header[:])
		if digest[7]&0xFFFFFF00 == 0 && MeetsTarget(&digest, target) {
			e.logger.Debug("hash check passed",
				"hash", wordsHex(&digest),
				"target", wordsHex(target),
				"nonce", nonce,
			)
			return Result{Found: true, Nonce: nonce, HashesDone: uint64(nonce-first) + 1}
		}

		if nonce >= maxNonce || restart.Load() || hasNewWork.Load() {
			break
		}
	}

	return Result{Nonce: nonce, HashesDone: uint64(nonce-first) + 1}
}

// MeetsTarget compares hash and target as 256-bit integers from word 7 down.
// Equality passes.
func MeetsTarget(hash, target *[8]uint32) bool {
	for i := 7; i >= 0; i-- {
		if hash[i] > target[i] {
			return false
		}
		if hash[i] < target[i] {
			return true
		}
	}
	return true
}

// wordsHex renders a word array as a big-endian 256-bit hex number
func wordsHex(w *[8]uint32) string {
	var b [32]byte
	for i := range 8 {
		binary.BigEndian.PutUint32(b[4*i:], w[7-i])
	}
	return hex.EncodeToString(b[:])
}
