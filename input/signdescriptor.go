package input

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ErrIncompleteSignDesc is returned when a SignDescriptor lacks the output
// or script needed to compute a segwit sighash.
var ErrIncompleteSignDesc = errors.New("sign descriptor is missing the " +
	"output or witness script")

// KeyDescriptor identifies the key a Signer should use. Only the public key
// is carried since key derivation hierarchies are owned by the signer.
type KeyDescriptor struct {
	// PubKey is the public key whose private key signs the input.
	PubKey *btcec.PublicKey
}

// SignDescriptor houses the necessary information required to successfully
// sign a given segwit output.
type SignDescriptor struct {
	// KeyDesc describes which key to use for signing.
	KeyDesc KeyDescriptor

	// SingleTweak is a scalar value that will be added to the private key
	// corresponding to the above public key to obtain the private key to
	// be used to sign this input:
	//
	//  * derivedKey = privkey + sha256(perCommitmentPoint || pubKey) mod N
	//
	// NOTE: If this value is nil, then the input is signed using only the
	// above public key.
	SingleTweak []byte

	// WitnessScript is the full script required to properly redeem the
	// output.
	WitnessScript []byte

	// Output is the target output which should be signed. The PkScript and
	// Value fields within the output should be properly populated,
	// otherwise an invalid signature may be generated.
	Output *wire.TxOut

	// HashType is the target sighash type that should be used when
	// generating the final sighash, and signature.
	HashType txscript.SigHashType

	// SigHashes is the pre-computed sighash midstate to be used when
	// generating the final sighash for signing.
	SigHashes *txscript.TxSigHashes

	// InputIndex is the target input within the transaction that should be
	// signed.
	InputIndex int
}

// SigningKey returns the public key the signature produced for this
// descriptor verifies under, taking the single tweak into account.
func (s *SignDescriptor) SigningKey() *btcec.PublicKey {
	if len(s.SingleTweak) == 0 {
		return s.KeyDesc.PubKey
	}

	return TweakPubKeyWithTweak(s.KeyDesc.PubKey, s.SingleTweak)
}

// SigHash computes the BIP-143 digest the descriptor signs for tx.
func (s *SignDescriptor) SigHash(tx *wire.MsgTx) ([]byte, error) {
	if s.Output == nil || len(s.WitnessScript) == 0 {
		return nil, ErrIncompleteSignDesc
	}

	sigHashes := s.SigHashes
	if sigHashes == nil {
		fetcher := txscript.NewCannedPrevOutputFetcher(
			s.Output.PkScript, s.Output.Value,
		)
		sigHashes = txscript.NewTxSigHashes(tx, fetcher)
	}

	return txscript.CalcWitnessSigHash(
		s.WitnessScript, sigHashes, s.HashType, tx, s.InputIndex,
		s.Output.Value,
	)
}

// VerifySignature checks that sig is a valid signature for tx under the
// descriptor's (possibly tweaked) key.
func (s *SignDescriptor) VerifySignature(tx *wire.MsgTx,
	sig Signature) (bool, error) {

	sigHash, err := s.SigHash(tx)
	if err != nil {
		return false, err
	}

	return sig.Verify(sigHash, s.SigningKey()), nil
}
