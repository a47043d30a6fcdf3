package lnwallet

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

// commitOutput is a commitment output awaiting its final position. htlc is
// the index of the HTLC the output pays to, or -1 for the balance outputs.
type commitOutput struct {
	txOut *wire.TxOut
	cltv  uint32
	htlc  int
}

// commitSort implements sort.Interface to sort the outputs of a commitment
// transaction. The ordering is BIP 69 (value, then pkScript) with the cltv
// expiry as the final tie-breaker, so that HTLCs that only differ in their
// expiry end up at the same position on both sides.
type commitSort []commitOutput

// Len returns the number of outputs.
func (s commitSort) Len() int {
	return len(s)
}

// Swap swaps two outputs.
func (s commitSort) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

// Less returns true if output i sorts before output j.
func (s commitSort) Less(i, j int) bool {
	outI, outJ := s[i].txOut, s[j].txOut

	if outI.Value != outJ.Value {
		return outI.Value < outJ.Value
	}

	pkScriptCmp := bytes.Compare(outI.PkScript, outJ.PkScript)
	if pkScriptCmp != 0 {
		return pkScriptCmp < 0
	}

	return s[i].cltv < s[j].cltv
}

// sortCommitOutputs sorts the outputs in place. Outputs that compare equal
// keep their relative order.
func sortCommitOutputs(outputs []commitOutput) {
	sort.Stable(commitSort(outputs))
}
