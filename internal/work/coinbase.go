package work

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/pkg/errors"
)

// CoinbaseInfo is what a miner can learn about a job from its coinbase
type CoinbaseInfo struct {
	TxHash    chainhash.Hash
	Height    int64
	Value     btcutil.Amount
	Addresses []string
}

// InspectCoinbase decodes the assembled coinbase of u. Height is -1 when the
// script does not start with a BIP34 height push. Pools for chains with a
// non-standard transaction format make this fail; callers treat that as
// informational only.
func InspectCoinbase(u *Unit, params *chaincfg.Params) (*CoinbaseInfo, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(u.Coinbase())); err != nil {
		return nil, errors.Wrap(err, errors.KindProtocolParse, "inspect_coinbase", "coinbase is not a standard transaction").
			With("job_id", u.JobID)
	}
	if len(tx.TxIn) != 1 || tx.TxIn[0].PreviousOutPoint.Index != wire.MaxPrevOutIndex {
		return nil, errors.New(errors.KindProtocolParse, "inspect_coinbase", "transaction is not a coinbase").
			With("job_id", u.JobID)
	}

	info := &CoinbaseInfo{
		TxHash: tx.TxHash(),
		Height: scriptHeight(tx.TxIn[0].SignatureScript),
	}

	for _, out := range tx.TxOut {
		info.Value += btcutil.Amount(out.Value)

		if params == nil {
			continue
		}
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, params)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			info.Addresses = append(info.Addresses, a.EncodeAddress())
		}
	}

	return info, nil
}

// scriptHeight reads the BIP34 height from the first push of a coinbase script
func scriptHeight(script []byte) int64 {
	tok := txscript.MakeScriptTokenizer(0, script)
	if !tok.Next() {
		return -1
	}

	op := tok.Opcode()
	switch {
	case op == txscript.OP_0:
		return 0
	case op >= txscript.OP_1 && op <= txscript.OP_16:
		return int64(op - (txscript.OP_1 - 1))
	}

	data := tok.Data()
	if len(data) == 0 || len(data) > 8 {
		return -1
	}

	var h int64
	for i := len(data) - 1; i >= 0; i-- {
		h = h<<8 | int64(data[i])
	}
	return h
}
