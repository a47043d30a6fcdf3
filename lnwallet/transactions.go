package lnwallet

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
)

const (
	// StateHintSize is the total number of bytes used between the sequence
	// number and locktime of the commitment transaction use to encode a
	// hint to the state number of a particular commitment transaction.
	StateHintSize = 6

	// maxStateHint is the maximum state number we're able to encode using
	// StateHintSize bytes amongst the sequence number and locktime fields
	// of the commitment transaction.
	maxStateHint uint64 = (1 << 48) - 1

	// TimelockShift keeps the locktime of every commitment above 500,000,000
	// so it is read as an (already passed) timestamp, leaving the lower 24
	// bits free for half of the obscured state number.
	TimelockShift = uint32(1 << 29)
)

// DeriveStateHintObfuscator derives the bytes used to obscure the commitment
// number within every commitment transaction of the channel. Both parties
// derive the same value from the payment base points, ordered funder first.
func DeriveStateHintObfuscator(funderPaymentBase,
	fundeePaymentBase *btcec.PublicKey) [StateHintSize]byte {

	h := sha256.New()
	h.Write(funderPaymentBase.SerializeCompressed())
	h.Write(fundeePaymentBase.SerializeCompressed())

	sha := h.Sum(nil)

	var obfuscator [StateHintSize]byte
	copy(obfuscator[:], sha[26:])

	return obfuscator
}

// obfuscatorInt expands the obfuscator into the integer XORed against the
// state number.
func obfuscatorInt(obfuscator [StateHintSize]byte) uint64 {
	var obfs [8]byte
	copy(obfs[2:], obfuscator[:])

	return binary.BigEndian.Uint64(obfs[:])
}

// SetStateNumHint encodes the state number within the passed commitment
// transaction by re-purposing its locktime and sequence fields. The obscured
// 48-bit number is split with its lower 24 bits in the locktime and its upper
// 24 bits in the sequence of the only input.
func SetStateNumHint(commitTx *wire.MsgTx, stateNum uint64,
	obfuscator [StateHintSize]byte) error {

	if stateNum > maxStateHint {
		return fmt.Errorf("unable to encode state, %v is greater "+
			"state num that max of %v", stateNum, maxStateHint)
	}

	if len(commitTx.TxIn) != 1 {
		return fmt.Errorf("commitment tx must have exactly 1 input, "+
			"instead has %v", len(commitTx.TxIn))
	}

	stateNum ^= obfuscatorInt(obfuscator)

	// Set the height bit of the sequence number in order to disable any
	// sequence locks semantics.
	commitTx.TxIn[0].Sequence = uint32(stateNum>>24) |
		wire.SequenceLockTimeDisabled
	commitTx.LockTime = uint32(stateNum&0xFFFFFF) | TimelockShift

	return nil
}

// GetStateNumHint recovers the state number of a commitment transaction that
// was encoded with SetStateNumHint using the same obfuscator.
func GetStateNumHint(commitTx *wire.MsgTx,
	obfuscator [StateHintSize]byte) uint64 {

	// Retrieve the state hint from the sequence number and locktime
	// of the transaction.
	stateNumXor := uint64(commitTx.TxIn[0].Sequence&0xFFFFFF) << 24
	stateNumXor |= uint64(commitTx.LockTime & 0xFFFFFF)

	return stateNumXor ^ obfuscatorInt(obfuscator)
}

// HtlcTimeoutFee returns the fee in satoshis required for an HTLC timeout
// transaction at the given fee rate.
func HtlcTimeoutFee(feePerKw chainfee.SatPerKWeight) btcutil.Amount {
	return feePerKw.FeeForWeight(input.HtlcTimeoutWeight)
}

// HtlcSuccessFee returns the fee in satoshis required for an HTLC success
// transaction at the given fee rate.
func HtlcSuccessFee(feePerKw chainfee.SatPerKWeight) btcutil.Amount {
	return feePerKw.FeeForWeight(input.HtlcSuccessWeight)
}

// secondLevelOutput returns the output every second-level HTLC transaction
// pays to: a revocable, CSV delayed output of the commitment owner.
func secondLevelOutput(amt btcutil.Amount, csvDelay uint32, revocationKey,
	delayKey *btcec.PublicKey) (*wire.TxOut, error) {

	witnessScript, err := input.SecondLevelHtlcScript(
		revocationKey, delayKey, csvDelay,
	)
	if err != nil {
		return nil, err
	}
	pkScript, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	return &wire.TxOut{
		Value:    int64(amt),
		PkScript: pkScript,
	}, nil
}

// CreateHtlcSuccessTx creates a transaction that spends the output on the
// commitment transaction of the peer that receives an HTLC. This transaction
// essentially acts as an off-chain covenant as it's only permitted to spend
// the designated HTLC output, and also that spend can _only_ be used as a
// state transition to create another output which actually allows redemption
// or revocation of an HTLC.
//
// In order to spend the HTLC output, the witness for the passed transaction
// should be:
//   - <0> <sender sig> <recvr sig> <preimage>
func CreateHtlcSuccessTx(htlcOutput wire.OutPoint, htlcAmt btcutil.Amount,
	csvDelay uint32, revocationKey,
	delayKey *btcec.PublicKey) (*wire.MsgTx, error) {

	// Create a version two transaction (as the success version of this
	// spends an output with a CSV timeout).
	successTx := wire.NewMsgTx(2)
	successTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: htlcOutput,
	})

	output, err := secondLevelOutput(
		htlcAmt, csvDelay, revocationKey, delayKey,
	)
	if err != nil {
		return nil, err
	}
	successTx.AddTxOut(output)

	return successTx, nil
}

// CreateHtlcTimeoutTx creates a transaction that spends the HTLC output on the
// commitment transaction of the peer that created an HTLC (the sender). The
// transaction is locked with an absolute lock-time so the sender can only
// attempt to claim the output using it after the lock time has passed.
//
// In order to spend the HTLC output, the witness for the passed transaction
// should be:
//   - <0> <sender sig> <receiver sig> <0>
//
// NOTE: The passed amount for the HTLC should already have the fee of this
// transaction deducted.
func CreateHtlcTimeoutTx(htlcOutput wire.OutPoint, htlcAmt btcutil.Amount,
	cltvExpiry, csvDelay uint32, revocationKey,
	delayKey *btcec.PublicKey) (*wire.MsgTx, error) {

	timeoutTx := wire.NewMsgTx(2)
	timeoutTx.LockTime = cltvExpiry
	timeoutTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: htlcOutput,
	})

	output, err := secondLevelOutput(
		htlcAmt, csvDelay, revocationKey, delayKey,
	)
	if err != nil {
		return nil, err
	}
	timeoutTx.AddTxOut(output)

	return timeoutTx, nil
}

// CreateCooperativeCloseTx creates a transaction which if signed by both
// parties, then broadcast cooperatively closes an active channel. The
// creation of this transaction is not dependent on the commitment chains,
// only the settled balances. Outputs below the dust limit of their receiver
// are omitted, and the result is sorted according to BIP 69.
func CreateCooperativeCloseTx(fundingTxIn wire.TxIn,
	localDust, remoteDust, ourBalance, theirBalance btcutil.Amount,
	ourDeliveryScript, theirDeliveryScript []byte) *wire.MsgTx {

	// Construct the transaction to perform a cooperative closure of the
	// channel. In the event that one side doesn't have any settled funds
	// within the channel then a refund output for that particular side
	// can be omitted.
	closeTx := wire.NewMsgTx(2)
	closeTx.AddTxIn(&fundingTxIn)

	// Create both cooperative closure outputs, properly respecting the
	// dust limits of both parties.
	if ourBalance >= localDust {
		closeTx.AddTxOut(&wire.TxOut{
			PkScript: ourDeliveryScript,
			Value:    int64(ourBalance),
		})
	}
	if theirBalance >= remoteDust {
		closeTx.AddTxOut(&wire.TxOut{
			PkScript: theirDeliveryScript,
			Value:    int64(theirBalance),
		})
	}

	txsort.InPlaceSort(closeTx)

	return closeTx
}
