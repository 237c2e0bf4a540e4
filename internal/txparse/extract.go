package txparse

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Sentinel errors for the intake path. Anything else coming out of Extract
// wraps one of these.
var (
	ErrMalformedTx = errors.New("malformed transaction")
	ErrTxTooLarge  = errors.New("transaction exceeds size limit")
)

const compressedPubKeyLen = 33

// Extracted is the parse result: the txid plus every standard
// pay-to-pubkey-hash address the transaction references.
type Extracted struct {
	TxID            string
	InputAddresses  []string
	OutputAddresses []string
	AllAddresses    []string
}

// Extract deserializes raw transaction bytes and collects P2PKH addresses
// from both sides. Non-matching scripts are skipped, never an error; only an
// unparseable transaction or one over maxSize bytes fails.
func Extract(raw []byte, params *chaincfg.Params, maxSize int) (*Extracted, error) {
	if maxSize > 0 && len(raw) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTxTooLarge, len(raw))
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}

	res := &Extracted{TxID: tx.TxHash().String()}

	seenIn := make(map[string]struct{})
	for _, in := range tx.TxIn {
		addr, ok := inputAddress(in.SignatureScript, params)
		if !ok {
			continue
		}
		if _, dup := seenIn[addr]; dup {
			continue
		}
		seenIn[addr] = struct{}{}
		res.InputAddresses = append(res.InputAddresses, addr)
	}

	seenOut := make(map[string]struct{})
	for _, out := range tx.TxOut {
		addr, ok := outputAddress(out.PkScript, params)
		if !ok {
			continue
		}
		if _, dup := seenOut[addr]; dup {
			continue
		}
		seenOut[addr] = struct{}{}
		res.OutputAddresses = append(res.OutputAddresses, addr)
	}

	all := make(map[string]struct{}, len(seenIn)+len(seenOut))
	for a := range seenIn {
		all[a] = struct{}{}
	}
	for a := range seenOut {
		all[a] = struct{}{}
	}
	res.AllAddresses = make([]string, 0, len(all))
	for a := range all {
		res.AllAddresses = append(res.AllAddresses, a)
	}
	sort.Strings(res.AllAddresses)

	return res, nil
}

// ExtractHex is Extract over a hex-encoded transaction.
func ExtractHex(txHex string, params *chaincfg.Params, maxSize int) (*Extracted, error) {
	if maxSize > 0 && len(txHex) > maxSize*2 {
		return nil, fmt.Errorf("%w: %d hex chars", ErrTxTooLarge, len(txHex))
	}
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	return Extract(raw, params, maxSize)
}

// outputAddress matches the exact 25-byte P2PKH locking template
// OP_DUP OP_HASH160 <20> OP_EQUALVERIFY OP_CHECKSIG and encodes the
// embedded hash under the network prefix.
func outputAddress(pkScript []byte, params *chaincfg.Params) (string, bool) {
	if len(pkScript) != 25 ||
		pkScript[0] != txscript.OP_DUP ||
		pkScript[1] != txscript.OP_HASH160 ||
		pkScript[2] != txscript.OP_DATA_20 ||
		pkScript[23] != txscript.OP_EQUALVERIFY ||
		pkScript[24] != txscript.OP_CHECKSIG {
		return "", false
	}
	return encodePKH(pkScript[3:23], params)
}

// inputAddress recognizes the canonical <sig> <pubkey> unlocking script with
// a compressed SEC public key and derives the spender's P2PKH address.
func inputAddress(sigScript []byte, params *chaincfg.Params) (string, bool) {
	pushes, err := txscript.PushedData(sigScript)
	if err != nil || len(pushes) != 2 {
		return "", false
	}
	pubKey := pushes[1]
	if len(pubKey) != compressedPubKeyLen {
		return "", false
	}
	return encodePKH(btcutil.Hash160(pubKey), params)
}

func encodePKH(hash160 []byte, params *chaincfg.Params) (string, bool) {
	addr, err := btcutil.NewAddressPubKeyHash(hash160, params)
	if err != nil {
		return "", false
	}
	return addr.EncodeAddress(), true
}
