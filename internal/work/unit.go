// Package work builds the 32-word hashing input for a pool job.
//
// A Unit is created from a mining.notify, cloned by every device and then
// regenerated in place each time the device rolls its extranonce2. Data is
// laid out so that its big-endian encoding of words 0..19 is exactly the
// 80-byte block header; words 20 and 31 carry SHA-256 style padding.
package work

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/pkg/errors"
)

// NonceIndex is the position of the nonce inside Unit.Data
const NonceIndex = 19

// HeaderSize is the size of the serialized block header
const HeaderSize = 80

// Params is a decoded mining.notify together with the session state it
// is generated under
type Params struct {
	WorkerName      string
	JobID           string
	PrevHash        string
	Coinb1          string
	Coinb2          string
	MerkleBranch    []string
	Version         string
	Bits            string
	Time            string
	Extranonce1     []byte
	Extranonce2Size int
	Difficulty      float64
}

// Unit is one pool job ready for hashing
type Unit struct {
	WorkerName   string
	JobID        string
	Extranonce1  []byte
	Extranonce2  []byte
	PrevHash     []byte
	Coinb1       []byte
	Coinb2       []byte
	Version      []byte
	Bits         []byte
	Time         []byte
	MerkleBranch []chainhash.Hash

	Target [8]uint32
	Data   [32]uint32

	Difficulty float64
	Height     int64
}

// NewUnit decodes p and computes the share target from p.Difficulty.
// Data is left zeroed until Generate is called.
func NewUnit(p Params) (*Unit, error) {
	fail := func(field string, err error) (*Unit, error) {
		return nil, errors.Wrap(err, errors.KindProtocolParse, "new_work_unit", "invalid "+field).
			With("job_id", p.JobID)
	}

	decode := func(field, s string, size int) ([]byte, error) {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, err
		}
		if size > 0 && len(b) != size {
			return nil, errors.New(errors.KindProtocolParse, "decode", "unexpected length").
				With("field", field).With("length", len(b)).With("want", size)
		}
		return b, nil
	}

	if p.Extranonce2Size < 0 {
		return nil, errors.New(errors.KindProtocolParse, "new_work_unit", "negative extranonce2 size")
	}

	u := &Unit{
		WorkerName:  p.WorkerName,
		JobID:       p.JobID,
		Extranonce1: bytes.Clone(p.Extranonce1),
		Extranonce2: make([]byte, p.Extranonce2Size),
		Difficulty:  p.Difficulty,
		Target:      TargetFromDifficulty(p.Difficulty),
	}

	var err error
	if u.PrevHash, err = decode("prevhash", p.PrevHash, 32); err != nil {
		return fail("prevhash", err)
	}
	if u.Coinb1, err = decode("coinb1", p.Coinb1, 0); err != nil {
		return fail("coinb1", err)
	}
	if u.Coinb2, err = decode("coinb2", p.Coinb2, 0); err != nil {
		return fail("coinb2", err)
	}
	if u.Version, err = decode("version", p.Version, 4); err != nil {
		return fail("version", err)
	}
	if u.Bits, err = decode("nbits", p.Bits, 4); err != nil {
		return fail("nbits", err)
	}
	if u.Time, err = decode("ntime", p.Time, 4); err != nil {
		return fail("ntime", err)
	}

	u.MerkleBranch = make([]chainhash.Hash, 0, len(p.MerkleBranch))
	for _, s := range p.MerkleBranch {
		b, err := decode("merkle_branch", s, chainhash.HashSize)
		if err != nil {
			return fail("merkle_branch", err)
		}
		h, _ := chainhash.NewHash(b)
		u.MerkleBranch = append(u.MerkleBranch, *h)
	}

	return u, nil
}

// Coinbase returns coinb1 || extranonce1 || extranonce2 || coinb2
func (u *Unit) Coinbase() []byte {
	out := make([]byte, 0, len(u.Coinb1)+len(u.Extranonce1)+len(u.Extranonce2)+len(u.Coinb2))
	out = append(out, u.Coinb1...)
	out = append(out, u.Extranonce1...)
	out = append(out, u.Extranonce2...)
	return append(out, u.Coinb2...)
}

// Generate recomputes Data from the current extranonce2. The nonce word is
// preserved. Calling it twice without changing extranonce2 yields the same Data.
func (u *Unit) Generate() error {
	switch {
	case len(u.Version) != 4, len(u.Bits) != 4, len(u.Time) != 4:
		return errors.New(errors.KindInternal, "generate", "version, nbits and ntime must be 4 bytes").
			With("job_id", u.JobID)
	case len(u.PrevHash) != 32:
		return errors.New(errors.KindInternal, "generate", "prevhash must be 32 bytes").
			With("job_id", u.JobID)
	}

	root := MerkleRoot(u.Coinbase(), u.MerkleBranch)
	nonce := u.Data[NonceIndex]

	var d [32]uint32
	d[0] = binary.LittleEndian.Uint32(u.Version)
	for i := range 8 {
		d[1+i] = binary.LittleEndian.Uint32(u.PrevHash[4*i:])
		d[9+i] = binary.BigEndian.Uint32(root[4*i:])
	}
	d[17] = binary.LittleEndian.Uint32(u.Time)
	d[18] = binary.LittleEndian.Uint32(u.Bits)
	d[NonceIndex] = nonce
	d[20] = 0x80000000
	d[31] = 0x00000280

	u.Data = d
	return nil
}

// IncrementExtranonce2 adds one to extranonce2 read as a little-endian integer
func (u *Unit) IncrementExtranonce2() {
	for i := range u.Extranonce2 {
		u.Extranonce2[i]++
		if u.Extranonce2[i] != 0 {
			return
		}
	}
}

// Nonce returns the current nonce word
func (u *Unit) Nonce() uint32 {
	return u.Data[NonceIndex]
}

// SetNonce overwrites the nonce word
func (u *Unit) SetNonce(n uint32) {
	u.Data[NonceIndex] = n
}

// Header returns the big-endian encoding of data words 0..19
func (u *Unit) Header() [HeaderSize]byte {
	return EncodeHeader(&u.Data)
}

// EncodeHeader writes words 0..19 of data big-endian
func EncodeHeader(data *[32]uint32) [HeaderSize]byte {
	var h [HeaderSize]byte
	for i := range HeaderSize / 4 {
		binary.BigEndian.PutUint32(h[4*i:], data[i])
	}
	return h
}

// BlockHeader decodes Header as a standard block header
func (u *Unit) BlockHeader() (*wire.BlockHeader, error) {
	h := u.Header()
	var bh wire.BlockHeader
	if err := bh.Deserialize(bytes.NewReader(h[:])); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "block_header", "cannot decode header")
	}
	return &bh, nil
}

// SubmitParams returns the hex fields of a mining.submit for the current
// extranonce2, time and nonce
func (u *Unit) SubmitParams() (extranonce2, ntime, nonce string) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], u.Data[NonceIndex])
	return hex.EncodeToString(u.Extranonce2), hex.EncodeToString(u.Time), hex.EncodeToString(n[:])
}

// Clone returns a deep copy
func (u *Unit) Clone() *Unit {
	c := *u
	c.Extranonce1 = bytes.Clone(u.Extranonce1)
	c.Extranonce2 = bytes.Clone(u.Extranonce2)
	c.PrevHash = bytes.Clone(u.PrevHash)
	c.Coinb1 = bytes.Clone(u.Coinb1)
	c.Coinb2 = bytes.Clone(u.Coinb2)
	c.Version = bytes.Clone(u.Version)
	c.Bits = bytes.Clone(u.Bits)
	c.Time = bytes.Clone(u.Time)
	c.MerkleBranch = append([]chainhash.Hash(nil), u.MerkleBranch...)
	return &c
}

// TargetFromDifficulty converts a pool share difficulty to a little-endian
// word target. Difficulty 1 yields target[6] = 0xFFFF0000 and target[7] = 0.
// Non-positive difficulties yield the all-ones target.
func TargetFromDifficulty(difficulty float64) [8]uint32 {
	var target [8]uint32

	d := difficulty
	k := 6
	for k > 0 && d > 1.0 {
		d /= 4294967296.0
		k--
	}

	var m uint64
	switch q := 4294901760.0 / d; {
	case !(d > 0):
		m = 0
	case q >= math.MaxUint64:
		m = math.MaxUint64
	default:
		m = uint64(q)
	}

	if m == 0 && k == 6 {
		for i := range target {
			target[i] = 0xFFFFFFFF
		}
		return target
	}

	target[k] = uint32(m)
	target[k+1] = uint32(m >> 32)
	return target
}
