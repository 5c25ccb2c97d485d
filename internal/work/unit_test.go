package work

import (
	"bytes"
	"encoding/hex"
	"math"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/pkg/errors"
)

// stratumPrevHash converts an internal-order hash to the word-swapped hex a
// pool sends in mining.notify
func stratumPrevHash(h chainhash.Hash) string {
	b := make([]byte, 32)
	for i := 0; i < 32; i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = h[i+3], h[i+2], h[i+1], h[i]
	}
	return hex.EncodeToString(b)
}

func testParams() Params {
	prev := chainhash.Hash{}
	for i := range prev {
		prev[i] = byte(i)
	}

	return Params{
		WorkerName:      "alice.rig1",
		JobID:           "4f2a",
		PrevHash:        stratumPrevHash(prev),
		Coinb1:          "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20",
		Coinb2:          "ffffffff0100f2052a010000001976a914000000000000000000000000000000000000000088ac00000000",
		MerkleBranch:    []string{strings.Repeat("ab", 32)},
		Version:         "20000000",
		Bits:            "1d00ffff",
		Time:            "5f5e1000",
		Extranonce1:     []byte{0xde, 0xad, 0xbe, 0xef},
		Extranonce2Size: 4,
		Difficulty:      1,
	}
}

func TestNewUnit(t *testing.T) {
	u, err := NewUnit(testParams())
	if err != nil {
		t.Fatalf("NewUnit() error = %v", err)
	}

	if u.JobID != "4f2a" || u.WorkerName != "alice.rig1" {
		t.Errorf("identity = %q/%q", u.JobID, u.WorkerName)
	}
	if !bytes.Equal(u.Extranonce2, make([]byte, 4)) {
		t.Errorf("Extranonce2 = %x, want 4 zero bytes", u.Extranonce2)
	}
	if len(u.MerkleBranch) != 1 || u.MerkleBranch[0][0] != 0xab {
		t.Errorf("MerkleBranch = %v", u.MerkleBranch)
	}
	if u.Target != TargetFromDifficulty(1) {
		t.Errorf("Target = %08x", u.Target)
	}
	if u.Data != ([32]uint32{}) {
		t.Error("Data should be empty before Generate")
	}
}

func TestNewUnit_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"short prevhash", func(p *Params) { p.PrevHash = "00ff" }},
		{"bad hex coinb1", func(p *Params) { p.Coinb1 = "zz" }},
		{"long version", func(p *Params) { p.Version = "2000000000" }},
		{"short nbits", func(p *Params) { p.Bits = "1d00" }},
		{"odd ntime", func(p *Params) { p.Time = "5f5e100" }},
		{"short branch", func(p *Params) { p.MerkleBranch = []string{"abcd"} }},
		{"negative extranonce2 size", func(p *Params) { p.Extranonce2Size = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			_, err := NewUnit(p)
			if !errors.IsKind(err, errors.KindProtocolParse) {
				t.Errorf("expected protocol parse error, got %v", err)
			}
		})
	}
}

func TestGenerate_HeaderLayout(t *testing.T) {
	u, err := NewUnit(testParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := u.Generate(); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if u.Data[20] != 0x80000000 || u.Data[31] != 0x00000280 {
		t.Errorf("padding words = %08x, %08x", u.Data[20], u.Data[31])
	}
	for _, i := range []int{21, 22, 23, 24, 25, 26, 27, 28, 29, 30} {
		if u.Data[i] != 0 {
			t.Errorf("Data[%d] = %08x, want 0", i, u.Data[i])
		}
	}

	bh, err := u.BlockHeader()
	if err != nil {
		t.Fatalf("BlockHeader() error = %v", err)
	}

	var prev chainhash.Hash
	for i := range prev {
		prev[i] = byte(i)
	}

	txid := chainhash.DoubleHashH(u.Coinbase())
	want := chainhash.DoubleHashH(append(txid[:], u.MerkleBranch[0][:]...))

	if bh.Version != 0x20000000 {
		t.Errorf("Version = %08x", bh.Version)
	}
	if bh.PrevBlock != prev {
		t.Errorf("PrevBlock = %s, want %s", bh.PrevBlock, prev)
	}
	if bh.MerkleRoot != want {
		t.Errorf("MerkleRoot = %s, want %s", bh.MerkleRoot, want)
	}
	if bh.Bits != 0x1d00ffff {
		t.Errorf("Bits = %08x", bh.Bits)
	}
	if !bh.Timestamp.Equal(time.Unix(0x5f5e1000, 0)) {
		t.Errorf("Timestamp = %v", bh.Timestamp)
	}
}

func TestGenerate_PreservesNonceAndIsIdempotent(t *testing.T) {
	u, err := NewUnit(testParams())
	if err != nil {
		t.Fatal(err)
	}
	u.SetNonce(0x01020304)

	if err := u.Generate(); err != nil {
		t.Fatal(err)
	}
	first := u.Data

	if err := u.Generate(); err != nil {
		t.Fatal(err)
	}
	if u.Data != first {
		t.Error("Generate is not idempotent")
	}
	if u.Nonce() != 0x01020304 {
		t.Errorf("Nonce() = %08x", u.Nonce())
	}

	bh, err := u.BlockHeader()
	if err != nil {
		t.Fatal(err)
	}
	if bh.Nonce != 0x04030201 {
		t.Errorf("header nonce = %08x, want byte-swapped word", bh.Nonce)
	}

	u.IncrementExtranonce2()
	if err := u.Generate(); err != nil {
		t.Fatal(err)
	}
	if u.Data == first {
		t.Error("rolling extranonce2 should change the merkle root")
	}
	for i := range u.Data {
		if i >= 9 && i <= 16 {
			continue
		}
		if u.Data[i] != first[i] {
			t.Errorf("rolling extranonce2 changed word %d: %08x -> %08x", i, first[i], u.Data[i])
		}
	}
}

func TestGenerate_RejectsMalformedUnit(t *testing.T) {
	u := &Unit{JobID: "x", Version: []byte{1}, Bits: make([]byte, 4), Time: make([]byte, 4), PrevHash: make([]byte, 32)}
	if err := u.Generate(); err == nil {
		t.Error("expected an error for a 1-byte version")
	}
}

func TestIncrementExtranonce2(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte{0x00, 0x00}, []byte{0x01, 0x00}},
		{[]byte{0xff, 0x00}, []byte{0x00, 0x01}},
		{[]byte{0xff, 0xff, 0x07}, []byte{0x00, 0x00, 0x08}},
		{[]byte{0xff, 0xff}, []byte{0x00, 0x00}},
		{[]byte{}, []byte{}},
	}

	for _, tt := range tests {
		u := &Unit{Extranonce2: bytes.Clone(tt.in)}
		u.IncrementExtranonce2()
		if !bytes.Equal(u.Extranonce2, tt.want) {
			t.Errorf("increment %x = %x, want %x", tt.in, u.Extranonce2, tt.want)
		}
	}
}

func TestSubmitParams(t *testing.T) {
	u := &Unit{
		Extranonce2: []byte{0x00, 0x00, 0x00, 0x01},
		Time:        []byte{0x5f, 0x5e, 0x10, 0x00},
	}
	u.SetNonce(0x12345678)

	en2, ntime, nonce := u.SubmitParams()
	if en2 != "00000001" || ntime != "5f5e1000" || nonce != "78563412" {
		t.Errorf("SubmitParams() = %s, %s, %s", en2, ntime, nonce)
	}
}

func TestClone(t *testing.T) {
	u, err := NewUnit(testParams())
	if err != nil {
		t.Fatal(err)
	}
	c := u.Clone()

	if !reflect.DeepEqual(u, c) {
		t.Fatal("clone differs from original")
	}

	c.IncrementExtranonce2()
	c.Coinb1[0] ^= 0xff
	c.MerkleBranch[0][0] = 0
	c.SetNonce(9)

	if u.Extranonce2[0] != 0 || u.Coinb1[0] != 0x01 || u.MerkleBranch[0][0] != 0xab || u.Nonce() != 0 {
		t.Error("mutating the clone changed the original")
	}
}

func TestTargetFromDifficulty(t *testing.T) {
	ones := [8]uint32{}
	for i := range ones {
		ones[i] = 0xFFFFFFFF
	}

	tests := []struct {
		name       string
		difficulty float64
		want       [8]uint32
	}{
		{"one", 1, [8]uint32{6: 0xFFFF0000}},
		{"two", 2, [8]uint32{6: 0x7FFF8000}},
		{"half", 0.5, [8]uint32{6: 0xFFFE0000, 7: 1}},
		{"65536", 65536, [8]uint32{6: 0x0000FFFF}},
		{"zero", 0, ones},
		{"negative", -3, ones},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetFromDifficulty(tt.difficulty); got != tt.want {
				t.Errorf("TargetFromDifficulty(%v) = %08x, want %08x", tt.difficulty, got, tt.want)
			}
		})
	}
}

// compareTargets orders targets as 256-bit numbers, word 7 first
func compareTargets(a, b [8]uint32) int {
	for i := 7; i >= 0; i-- {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

func TestTargetFromDifficulty_Monotonic(t *testing.T) {
	var ds []float64
	for d := 1e-6; d < 0x1p80; d *= 1.37 {
		ds = append(ds, d)
	}
	for _, edge := range []float64{1, 0x1p32, 0x1p64} {
		ds = append(ds,
			edge*(1-1e-9),
			math.Nextafter(edge, 0),
			edge,
			math.Nextafter(edge, math.Inf(1)),
			edge*(1+1e-9),
			edge*2,
		)
	}
	slices.Sort(ds)

	prev := TargetFromDifficulty(ds[0])
	for _, d := range ds[1:] {
		got := TargetFromDifficulty(d)
		if compareTargets(got, prev) > 0 {
			t.Fatalf("TargetFromDifficulty(%g) = %08x exceeds the target of a lower difficulty %08x", d, got, prev)
		}
		prev = got
	}

	if compareTargets(TargetFromDifficulty(1), TargetFromDifficulty(0x1p32)) <= 0 {
		t.Error("difficulty 2^32 must give a strictly smaller target than difficulty 1")
	}
}
