package lnwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwire"
)

// CommitmentKeyRing holds all derived keys needed to construct commitment and
// HTLC transactions. The keys are derived differently depending whether the
// commitment transaction is ours or the remote peer's. Private keys associated
// with each key may belong to the commitment owner or the "other party" which
// is referred to in the field comments, regardless of which is local and
// which is remote.
type CommitmentKeyRing struct {
	// CommitPoint is the "per commitment point" used to derive the tweak
	// for each base point.
	CommitPoint *btcec.PublicKey

	// LocalHtlcKeyTweak is the tweak used to derive the local HTLC key
	// from the local HTLC base point. This value is needed in order to
	// derive the final key used within the HTLC scripts in the commitment
	// transaction.
	LocalHtlcKeyTweak []byte

	// LocalHtlcKey is the key that will be used in any clause paying to
	// our node of any HTLC scripts within the commitment transaction for
	// this key ring set.
	LocalHtlcKey *btcec.PublicKey

	// RemoteHtlcKeyTweak is the tweak used to derive the remote HTLC key
	// from the remote HTLC base point.
	RemoteHtlcKeyTweak []byte

	// RemoteHtlcKey is the key that will be used in clauses within the
	// HTLC script that send money to the remote party.
	RemoteHtlcKey *btcec.PublicKey

	// ToLocalKey is the commitment transaction owner's key which is
	// included in HTLC success and timeout transaction scripts. This is
	// the public key used for the to_local output of the commitment
	// transaction.
	ToLocalKey *btcec.PublicKey

	// ToRemoteKey is the non-owner's payment key in the commitment tx.
	// This is the key used to generate the to_remote output within the
	// commitment transaction. It is used without a tweak.
	ToRemoteKey *btcec.PublicKey

	// RevocationKey is the key that can be used by the other party to
	// redeem outputs from a revoked commitment transaction if it were to
	// be published.
	RevocationKey *btcec.PublicKey
}

// DeriveCommitmentKeys generates a new commitment key set using the base points
// and commitment point. The keys are derived differently depending on the type
// of channel, and whether the commitment transaction is ours or the remote
// peer's.
func DeriveCommitmentKeys(commitPoint *btcec.PublicKey,
	whoseCommit lntypes.ChannelParty, localChanCfg,
	remoteChanCfg *ChannelConfig) *CommitmentKeyRing {

	keyRing := &CommitmentKeyRing{
		CommitPoint: commitPoint,
		LocalHtlcKeyTweak: input.SingleTweakBytes(
			commitPoint, localChanCfg.HtlcBasePoint,
		),
		LocalHtlcKey: input.TweakPubKey(
			localChanCfg.HtlcBasePoint, commitPoint,
		),
		RemoteHtlcKeyTweak: input.SingleTweakBytes(
			commitPoint, remoteChanCfg.HtlcBasePoint,
		),
		RemoteHtlcKey: input.TweakPubKey(
			remoteChanCfg.HtlcBasePoint, commitPoint,
		),
	}

	// We get the delay and revocation base points from the owner of the
	// commitment, and the payment base point of the other party.
	var (
		toLocalBasePoint    *btcec.PublicKey
		toRemoteBasePoint   *btcec.PublicKey
		revocationBasePoint *btcec.PublicKey
	)
	if whoseCommit.IsLocal() {
		toLocalBasePoint = localChanCfg.DelayBasePoint
		toRemoteBasePoint = remoteChanCfg.PaymentBasePoint
		revocationBasePoint = remoteChanCfg.RevocationBasePoint
	} else {
		toLocalBasePoint = remoteChanCfg.DelayBasePoint
		toRemoteBasePoint = localChanCfg.PaymentBasePoint
		revocationBasePoint = localChanCfg.RevocationBasePoint
	}

	// With the base points assigned, we can now derive the actual keys
	// using the base point, and the current commitment tweak.
	keyRing.ToLocalKey = input.TweakPubKey(toLocalBasePoint, commitPoint)
	keyRing.ToRemoteKey = toRemoteBasePoint
	keyRing.RevocationKey = input.DeriveRevocationPubkey(
		revocationBasePoint, commitPoint,
	)

	return keyRing
}

// CommitmentParams is the full input of a commitment transaction. Balances
// and HTLC directions are given from the local node's point of view.
type CommitmentParams struct {
	// WhoseCommit is the owner of the commitment.
	WhoseCommit lntypes.ChannelParty

	// Height is the commitment number.
	Height uint64

	// FeePerKw is the commitment fee rate.
	FeePerKw chainfee.SatPerKWeight

	// OurBalance is the local balance before the commitment fee.
	OurBalance btcutil.Amount

	// TheirBalance is the remote balance before the commitment fee.
	TheirBalance btcutil.Amount

	// HTLCs are the active HTLCs.
	HTLCs []HTLC

	// CommitPoint is the owner's per-commitment point for Height.
	CommitPoint *btcec.PublicKey
}

// CommitHTLC is an HTLC that has an output on a commitment.
type CommitHTLC struct {
	HTLC

	// OutputIndex is the index of the HTLC's output.
	OutputIndex uint32

	// WitnessScript is the script of the HTLC output.
	WitnessScript []byte

	// SecondLevelTx is the HTLC success or timeout transaction of the
	// commitment owner. The other party signs it along with the
	// commitment.
	SecondLevelTx *wire.MsgTx
}

// Commitment is a built commitment transaction along with everything needed
// to sign, verify and later enforce it.
type Commitment struct {
	// Params are the inputs the commitment was built from.
	Params CommitmentParams

	// OurBalance is the local balance after the commitment fee.
	OurBalance btcutil.Amount

	// TheirBalance is the remote balance after the commitment fee.
	TheirBalance btcutil.Amount

	// Fee is the commitment fee deducted from the funder's balance. Value
	// of trimmed outputs goes to fees on top of it.
	Fee btcutil.Amount

	// CommitTx is the unsigned commitment transaction.
	CommitTx *wire.MsgTx

	// HTLCs are the HTLCs with an output, ordered by output index.
	HTLCs []CommitHTLC

	// Trimmed are the HTLCs too small to get an output.
	Trimmed []HTLC

	// KeyRing are the keys the commitment pays to.
	KeyRing *CommitmentKeyRing

	// ourMessageIndex is the log index of our updates the commitment
	// covers.
	ourMessageIndex uint64

	// theirMessageIndex is the log index of their updates the commitment
	// covers.
	theirMessageIndex uint64

	// sig is the funding signature of the other party for this
	// commitment.
	sig lnwire.Sig

	// htlcSigs are the other party's second-level signatures, in HTLC
	// output order.
	htlcSigs []lnwire.Sig
}

// Height returns the commitment number.
func (c *Commitment) Height() uint64 {
	return c.Params.Height
}

// FeePerKw returns the commitment fee rate.
func (c *Commitment) FeePerKw() chainfee.SatPerKWeight {
	return c.Params.FeePerKw
}

// CommitmentBuilder creates the commitment transactions of a channel. It is a
// pure function of the channel's static parameters and the passed
// CommitmentParams, so both parties build byte identical transactions.
type CommitmentBuilder struct {
	fundingOutpoint wire.OutPoint
	capacity        btcutil.Amount
	funder          lntypes.ChannelParty
	cfgs            lntypes.Dual[*ChannelConfig]
	obfuscator      [StateHintSize]byte

	fundingWitnessScript []byte
	fundingOutput        *wire.TxOut
}

// NewCommitmentBuilder creates a builder for the channel funded by the given
// outpoint.
func NewCommitmentBuilder(fundingOutpoint wire.OutPoint,
	capacity btcutil.Amount, funder lntypes.ChannelParty, localCfg,
	remoteCfg *ChannelConfig) (*CommitmentBuilder, error) {

	witnessScript, fundingOutput, err := input.GenFundingPkScript(
		localCfg.MultiSigKey.SerializeCompressed(),
		remoteCfg.MultiSigKey.SerializeCompressed(), int64(capacity),
	)
	if err != nil {
		return nil, err
	}

	funderCfg, fundeeCfg := localCfg, remoteCfg
	if funder.IsRemote() {
		funderCfg, fundeeCfg = remoteCfg, localCfg
	}

	return &CommitmentBuilder{
		fundingOutpoint: fundingOutpoint,
		capacity:        capacity,
		funder:          funder,
		cfgs: lntypes.Dual[*ChannelConfig]{
			Local:  localCfg,
			Remote: remoteCfg,
		},
		obfuscator: DeriveStateHintObfuscator(
			funderCfg.PaymentBasePoint, fundeeCfg.PaymentBasePoint,
		),
		fundingWitnessScript: witnessScript,
		fundingOutput:        fundingOutput,
	}, nil
}

// FundingOutput returns the 2-of-2 funding output and its witness script.
func (b *CommitmentBuilder) FundingOutput() (*wire.TxOut, []byte) {
	return b.fundingOutput, b.fundingWitnessScript
}

// Obfuscator returns the bytes used to obscure the state number.
func (b *CommitmentBuilder) Obfuscator() [StateHintSize]byte {
	return b.obfuscator
}

// ownerOffered returns true if the owner of a commitment offered htlc.
func ownerOffered(whoseCommit lntypes.ChannelParty, htlc HTLC) bool {
	return whoseCommit.IsLocal() != htlc.Incoming
}

// secondLevelFee returns the fee of the second-level transaction that spends
// htlc on the commitment of whoseCommit.
func secondLevelFee(whoseCommit lntypes.ChannelParty, htlc HTLC,
	feePerKw chainfee.SatPerKWeight) btcutil.Amount {

	if ownerOffered(whoseCommit, htlc) {
		return HtlcTimeoutFee(feePerKw)
	}

	return HtlcSuccessFee(feePerKw)
}

// HtlcIsDust determines if an HTLC output is dust or not depending on two
// bits: if the HTLC is offered by the commitment owner and the fee rate of
// its second-level transaction. An HTLC is dust if its value minus the
// second-level fee is below the owner's dust limit.
func HtlcIsDust(whoseCommit lntypes.ChannelParty, htlc HTLC,
	feePerKw chainfee.SatPerKWeight, dustLimit btcutil.Amount) bool {

	return htlc.Amount < dustLimit+secondLevelFee(
		whoseCommit, htlc, feePerKw,
	)
}

// CommitFee returns the fee of a commitment with numHTLCs HTLC outputs.
func CommitFee(feePerKw chainfee.SatPerKWeight,
	numHTLCs int) btcutil.Amount {

	weight := int64(input.CommitWeight + input.HTLCWeight*numHTLCs)

	return feePerKw.FeeForWeight(weight)
}

// genHtlcScript generates the proper P2WSH public key scripts for the HTLC
// output modified by two-bits denoting if this is an incoming HTLC, and if the
// HTLC is being applied to their commitment transaction or ours.
func genHtlcScript(isIncoming bool, whoseCommit lntypes.ChannelParty,
	timeout uint32, rHash lntypes.Hash,
	keyRing *CommitmentKeyRing) ([]byte, error) {

	// Choose scripts based on channel type.
	switch {
	// The HTLC is paying to us, and being applied to our commitment
	// transaction. So we need to use the receiver's version of the HTLC
	// script.
	case isIncoming && whoseCommit.IsLocal():
		return input.ReceiverHTLCScript(
			timeout, keyRing.RemoteHtlcKey, keyRing.LocalHtlcKey,
			keyRing.RevocationKey, rHash[:],
		)

	// We're being paid via an HTLC by the remote party, and the HTLC is
	// being added to their commitment transaction, so we use the sender's
	// version of the HTLC script.
	case isIncoming && whoseCommit.IsRemote():
		return input.SenderHTLCScript(
			keyRing.RemoteHtlcKey, keyRing.LocalHtlcKey,
			keyRing.RevocationKey, rHash[:],
		)

	// We're sending an HTLC which is being added to our commitment
	// transaction. Therefore, we need to use the sender's version of the
	// HTLC script.
	case !isIncoming && whoseCommit.IsLocal():
		return input.SenderHTLCScript(
			keyRing.LocalHtlcKey, keyRing.RemoteHtlcKey,
			keyRing.RevocationKey, rHash[:],
		)

	// Finally, we're paying the remote party via an HTLC, which is being
	// added to their commitment transaction. Therefore, we use the
	// receiver's version of the HTLC script.
	default:
		return input.ReceiverHTLCScript(
			timeout, keyRing.LocalHtlcKey, keyRing.RemoteHtlcKey,
			keyRing.RevocationKey, rHash[:],
		)
	}
}

// Build creates the commitment described by params.
func (b *CommitmentBuilder) Build(params CommitmentParams) (*Commitment,
	error) {

	if params.CommitPoint == nil {
		return nil, fmt.Errorf("missing commitment point for %v "+
			"commitment %d", params.WhoseCommit, params.Height)
	}

	whose := params.WhoseCommit
	ownerCfg := b.cfgs.GetForParty(whose)
	otherCfg := b.cfgs.GetForParty(whose.CounterParty())
	dustLimit := ownerCfg.DustLimit

	keyRing := DeriveCommitmentKeys(
		params.CommitPoint, whose, b.cfgs.Local, b.cfgs.Remote,
	)

	commit := &Commitment{
		Params:  params,
		KeyRing: keyRing,
	}

	// Split the HTLCs into the ones that get an output and the ones that
	// are trimmed to fees.
	var untrimmed []HTLC
	for _, htlc := range params.HTLCs {
		if HtlcIsDust(whose, htlc, params.FeePerKw, dustLimit) {
			commit.Trimmed = append(commit.Trimmed, htlc)
			continue
		}
		untrimmed = append(untrimmed, htlc)
	}

	// The funder pays the full commitment fee. If the funder can't cover
	// it, the remainder is taken out of what would otherwise go to its
	// own output.
	fee := CommitFee(params.FeePerKw, len(untrimmed))
	ourBalance, theirBalance := params.OurBalance, params.TheirBalance
	funderBalance := &ourBalance
	if b.funder.IsRemote() {
		funderBalance = &theirBalance
	}
	fee = min(fee, max(*funderBalance, 0))
	*funderBalance -= fee

	commit.OurBalance, commit.TheirBalance = ourBalance, theirBalance
	commit.Fee = fee

	toLocal, toRemote := ourBalance, theirBalance
	if whose.IsRemote() {
		toLocal, toRemote = theirBalance, ourBalance
	}

	// The owner's own output is delayed by the CSV the other party asked
	// for.
	csvDelay := uint32(otherCfg.CsvDelay)

	var outputs []commitOutput
	if toLocal >= dustLimit {
		toLocalScript, err := input.CommitScriptToSelf(
			csvDelay, keyRing.ToLocalKey, keyRing.RevocationKey,
		)
		if err != nil {
			return nil, err
		}
		pkScript, err := input.WitnessScriptHash(toLocalScript)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, commitOutput{
			txOut: wire.NewTxOut(int64(toLocal), pkScript),
			htlc:  -1,
		})
	}
	if toRemote >= dustLimit {
		pkScript, err := input.CommitScriptUnencumbered(
			keyRing.ToRemoteKey,
		)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, commitOutput{
			txOut: wire.NewTxOut(int64(toRemote), pkScript),
			htlc:  -1,
		})
	}

	witnessScripts := make([][]byte, len(untrimmed))
	for i, htlc := range untrimmed {
		witnessScript, err := genHtlcScript(
			htlc.Incoming, whose, htlc.Expiry, htlc.PaymentHash,
			keyRing,
		)
		if err != nil {
			return nil, err
		}
		pkScript, err := input.WitnessScriptHash(witnessScript)
		if err != nil {
			return nil, err
		}

		witnessScripts[i] = witnessScript
		outputs = append(outputs, commitOutput{
			txOut: wire.NewTxOut(int64(htlc.Amount), pkScript),
			cltv:  htlc.Expiry,
			htlc:  i,
		})
	}

	sortCommitOutputs(outputs)

	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxIn(wire.NewTxIn(&b.fundingOutpoint, nil, nil))

	var totalOut btcutil.Amount
	for _, output := range outputs {
		commitTx.AddTxOut(output.txOut)
		totalOut += btcutil.Amount(output.txOut.Value)
	}
	if totalOut+fee > b.capacity {
		return nil, fmt.Errorf("%v commitment %d spends %v with fee "+
			"%v, more than capacity %v", whose, params.Height,
			totalOut, fee, b.capacity)
	}

	err := SetStateNumHint(commitTx, params.Height, b.obfuscator)
	if err != nil {
		return nil, err
	}
	commit.CommitTx = commitTx

	// With the outputs in their final position, create the second-level
	// transactions the other party has to sign.
	commitHash := commitTx.TxHash()
	for outputIndex, output := range outputs {
		if output.htlc < 0 {
			continue
		}
		htlc := untrimmed[output.htlc]

		op := wire.OutPoint{
			Hash:  commitHash,
			Index: uint32(outputIndex),
		}
		amt := htlc.Amount - secondLevelFee(whose, htlc, params.FeePerKw)

		var secondLevelTx *wire.MsgTx
		if ownerOffered(whose, htlc) {
			secondLevelTx, err = CreateHtlcTimeoutTx(
				op, amt, htlc.Expiry, csvDelay,
				keyRing.RevocationKey, keyRing.ToLocalKey,
			)
		} else {
			secondLevelTx, err = CreateHtlcSuccessTx(
				op, amt, csvDelay, keyRing.RevocationKey,
				keyRing.ToLocalKey,
			)
		}
		if err != nil {
			return nil, err
		}

		commit.HTLCs = append(commit.HTLCs, CommitHTLC{
			HTLC:          htlc,
			OutputIndex:   uint32(outputIndex),
			WitnessScript: witnessScripts[output.htlc],
			SecondLevelTx: secondLevelTx,
		})
	}

	return commit, nil
}

// commitSignDesc returns the descriptor of key's signature over the funding
// input of a commitment or closing transaction.
func (b *CommitmentBuilder) commitSignDesc(
	key *btcec.PublicKey) *input.SignDescriptor {

	return &input.SignDescriptor{
		KeyDesc: input.KeyDescriptor{
			PubKey: key,
		},
		WitnessScript: b.fundingWitnessScript,
		Output:        b.fundingOutput,
		HashType:      txscript.SigHashAll,
		InputIndex:    0,
	}
}

// htlcSignDesc returns the descriptor of signer's signature over the
// second-level transaction of htlc on commit.
func (b *CommitmentBuilder) htlcSignDesc(commit *Commitment, htlc *CommitHTLC,
	signer lntypes.ChannelParty) *input.SignDescriptor {

	basePoint := b.cfgs.GetForParty(signer).HtlcBasePoint
	output := commit.CommitTx.TxOut[htlc.OutputIndex]

	return &input.SignDescriptor{
		KeyDesc: input.KeyDescriptor{
			PubKey: basePoint,
		},
		SingleTweak: input.SingleTweakBytes(
			commit.KeyRing.CommitPoint, basePoint,
		),
		WitnessScript: htlc.WitnessScript,
		Output:        output,
		HashType:      txscript.SigHashAll,
		InputIndex:    0,
	}
}
