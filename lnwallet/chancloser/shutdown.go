package chancloser

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/txscript"
)

var (
	// ErrUpfrontShutdownScriptMismatch is returned when a peer or end user
	// provides a cooperative close script which does not match the upfront
	// shutdown script previously set for that party.
	ErrUpfrontShutdownScriptMismatch = errors.New("shutdown script does " +
		"not match upfront shutdown script")

	// ErrInvalidShutdownScript is returned when we receive an address from
	// a peer that isn't either a p2wsh or p2tr address.
	ErrInvalidShutdownScript = errors.New("invalid shutdown script")
)

// ValidDeliveryScript returns true if the script is one of the standard
// output types a closing transaction may pay to: p2pkh, p2sh, any segwit v0
// program or a future witness version with a 2 to 40 byte program.
func ValidDeliveryScript(script []byte) bool {
	switch txscript.GetScriptClass(script) {
	case txscript.PubKeyHashTy, txscript.ScriptHashTy,
		txscript.WitnessV0PubKeyHashTy, txscript.WitnessV0ScriptHashTy,
		txscript.WitnessV1TaprootTy:

		return true
	}

	version, program, err := txscript.ExtractWitnessProgramInfo(script)
	if err != nil {
		return false
	}

	return version >= 1 && len(program) >= 2 && len(program) <= 40
}

// ValidateShutdownScript checks that the script passed in a shutdown message
// is standard, and that it matches the upfront shutdown script if one was
// committed to at funding time.
func ValidateShutdownScript(upfrontScript, peerScript []byte) error {
	if len(upfrontScript) != 0 && !ValidDeliveryScript(upfrontScript) {
		return ErrInvalidShutdownScript
	}
	if !ValidDeliveryScript(peerScript) {
		return ErrInvalidShutdownScript
	}

	// If no upfront shutdown script was set, return early because we do
	// not need to enforce closure to a specific script.
	if len(upfrontScript) == 0 {
		return nil
	}

	if !bytes.Equal(upfrontScript, peerScript) {
		chancloserLog.Warnf("peer's script: %x does not match upfront "+
			"shutdown script: %x", peerScript, upfrontScript)

		return ErrUpfrontShutdownScriptMismatch
	}

	return nil
}
