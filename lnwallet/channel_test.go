package lnwallet

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwallet/chancloser"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestChannelFunding checks the balances and commitments both parties end up
// with after the funding flow.
func TestChannelFunding(t *testing.T) {
	t.Parallel()

	const (
		capacity btcutil.Amount = 1_000_000
		push     btcutil.Amount = 100_000
	)
	alice, bob := createTestChannels(t, capacity, push)

	require.True(t, alice.IsFunder())
	require.False(t, bob.IsFunder())
	require.Equal(t, alice.FundingOutpoint(), bob.FundingOutpoint())
	require.Equal(t, lntypes.Dual[uint64]{}, alice.CommitHeights())

	fee := CommitFee(testFeeRate, 0)

	aliceCommit := alice.CommitmentTail(lntypes.Local).UnwrapOrFail(t)
	require.Equal(t, capacity-push-fee, aliceCommit.OurBalance)
	require.Equal(t, push, aliceCommit.TheirBalance)
	require.Equal(t, fee, aliceCommit.Fee)

	bobCommit := bob.CommitmentTail(lntypes.Local).UnwrapOrFail(t)
	require.Equal(t, push, bobCommit.OurBalance)
	require.Equal(t, capacity-push-fee, bobCommit.TheirBalance)

	// Both parties must build byte identical versions of each other's
	// commitment.
	aliceRemote := alice.CommitmentTail(lntypes.Remote).UnwrapOrFail(t)
	require.Equal(t, bobCommit.CommitTx.TxHash(),
		aliceRemote.CommitTx.TxHash())

	require.Equal(t, capacity-push-testReserve-CommitFee(testFeeRate, 1),
		alice.AvailableBalance())
	require.Equal(t, push-testReserve, bob.AvailableBalance())
}

// TestChannelRejectsInvalidFunding checks that an open_channel outside of our
// policy is rejected without consuming the channel.
func TestChannelRejectsInvalidFunding(t *testing.T) {
	t.Parallel()

	alice, err := NewLightningChannel(newTestConfig(1))
	require.NoError(t, err)
	bob, err := NewLightningChannel(newTestConfig(2))
	require.NoError(t, err)

	trans := processEvent(t, alice, InitFunding{
		PendingChanID: [32]byte{0x01},
		Capacity:      1_000_000,
		FeePerKw:      testFeeRate,
	})
	open, ok := trans.Messages[0].(*lnwire.OpenChannel)
	require.True(t, ok)

	tooSmall := *open
	tooSmall.FundingAmount = 1_000
	_, err = bob.ProcessEvent(PeerMessage{Msg: &tooSmall})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.ErrorIs(t, err, ErrInvalidParameters)
	require.Equal(t, AwaitFunding, bob.State())

	// The valid proposal is still accepted afterwards.
	require.Len(t, deliver(t, bob, open), 1)
}

// TestChannelAddHTLCInsufficientFunds locks in an HTLC through a full
// commitment dance, then checks that an HTLC exceeding the remaining balance
// and reserve is rejected without touching the channel.
func TestChannelAddHTLCInsufficientFunds(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)

	addHTLC(t, alice, bob, 50_000, 1)

	state, err := alice.HTLCState(lntypes.Local, 0)
	require.NoError(t, err)
	require.Equal(t, HTLCPendingAdd, state)

	forceStateTransition(t, alice, bob)

	state, err = alice.HTLCState(lntypes.Local, 0)
	require.NoError(t, err)
	require.Equal(t, HTLCCommitted, state)

	state, err = bob.HTLCState(lntypes.Remote, 0)
	require.NoError(t, err)
	require.Equal(t, HTLCCommitted, state)

	require.Equal(t, lntypes.Dual[uint64]{Local: 1, Remote: 1},
		alice.CommitHeights())

	before, err := alice.Snapshot()
	require.NoError(t, err)

	preimage := lntypes.Preimage(sha256.Sum256([]byte("second")))
	_, err = alice.ProcessEvent(AddHTLC{
		Amount:      950_000,
		PaymentHash: preimage.Hash(),
		Expiry:      testExpiry,
	})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Equal(t, Active, alice.State())

	after, err := alice.Snapshot()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// TestChannelSettleHTLC settles an HTLC and checks the resulting balances.
func TestChannelSettleHTLC(t *testing.T) {
	t.Parallel()

	const (
		capacity btcutil.Amount = 1_000_000
		amt      btcutil.Amount = 50_000
	)
	alice, bob := createTestChannels(t, capacity, 0)

	preimage := addHTLC(t, alice, bob, amt, 1)
	forceStateTransition(t, alice, bob)

	// A wrong preimage is refused locally.
	_, err := bob.ProcessEvent(SettleHTLC{ID: 0})
	require.ErrorIs(t, err, ErrInvalidPreimage)

	trans := processEvent(t, bob, SettleHTLC{ID: 0, Preimage: preimage})
	require.Empty(t, deliver(t, alice, trans.Messages...))

	state, err := alice.HTLCState(lntypes.Local, 0)
	require.NoError(t, err)
	require.Equal(t, HTLCPendingFulfill, state)

	forceStateTransition(t, bob, alice)

	state, err = alice.HTLCState(lntypes.Local, 0)
	require.NoError(t, err)
	require.Equal(t, HTLCResolved, state)

	fee := CommitFee(testFeeRate, 0)
	aliceCommit := alice.CommitmentTail(lntypes.Local).UnwrapOrFail(t)
	require.Equal(t, capacity-amt-fee, aliceCommit.OurBalance)
	require.Equal(t, amt, aliceCommit.TheirBalance)
	require.Empty(t, aliceCommit.HTLCs)

	bobCommit := bob.CommitmentTail(lntypes.Local).UnwrapOrFail(t)
	require.Equal(t, amt, bobCommit.OurBalance)
}

// TestChannelFailHTLC fails an HTLC back and checks that the offerer gets
// its funds back.
func TestChannelFailHTLC(t *testing.T) {
	t.Parallel()

	const capacity btcutil.Amount = 1_000_000
	alice, bob := createTestChannels(t, capacity, 0)

	addHTLC(t, alice, bob, 50_000, 1)
	forceStateTransition(t, alice, bob)

	trans := processEvent(t, bob, FailHTLC{
		ID:     0,
		Reason: lnwire.OpaqueReason("unknown payment"),
	})
	require.Empty(t, deliver(t, alice, trans.Messages...))

	// Failing it twice isn't possible.
	_, err := bob.ProcessEvent(FailHTLC{ID: 0})
	require.ErrorIs(t, err, ErrHtlcAlreadyModified)

	forceStateTransition(t, bob, alice)

	aliceCommit := alice.CommitmentTail(lntypes.Local).UnwrapOrFail(t)
	require.Equal(t, capacity-CommitFee(testFeeRate, 0),
		aliceCommit.OurBalance)
	require.Zero(t, aliceCommit.TheirBalance)
}

// TestChannelRejectedIncomingHTLC checks that an HTLC breaking one of the
// receiver's limits is failed back once it locks in.
func TestChannelRejectedIncomingHTLC(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)

	// The expiry is fine for alice, but too close for bob's minimum
	// expiry delta.
	preimage := lntypes.Preimage(sha256.Sum256([]byte("soon")))
	trans := processEvent(t, alice, AddHTLC{
		Amount:      20_000,
		PaymentHash: preimage.Hash(),
		Expiry:      testHeight + 1,
	})
	require.Empty(t, deliver(t, bob, trans.Messages...))

	trans = processEvent(t, alice, SignCommitment{})
	exchange(t, alice, bob, trans.Messages...)

	trans = processEvent(t, bob, SignCommitment{})
	transitions := exchange(t, bob, alice, trans.Messages...)

	var rejected []RejectedHTLC
	for _, trans := range transitions {
		rejected = append(rejected, trans.Rejected...)
	}
	require.Len(t, rejected, 1)
	require.Equal(t, uint64(0), rejected[0].ID)
	require.ErrorIs(t, rejected[0].Reason, ErrExpiryTooSoon)

	// The fail reached alice, one more dance removes the HTLC.
	state, err := alice.HTLCState(lntypes.Local, 0)
	require.NoError(t, err)
	require.Equal(t, HTLCPendingFail, state)

	forceStateTransition(t, bob, alice)

	state, err = alice.HTLCState(lntypes.Local, 0)
	require.NoError(t, err)
	require.Equal(t, HTLCResolved, state)
}

// TestCommitSigIdempotent delivers the same commit_sig twice and checks that
// the second delivery changes nothing.
func TestCommitSigIdempotent(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)
	addHTLC(t, alice, bob, 50_000, 1)

	trans := processEvent(t, alice, SignCommitment{})
	require.Len(t, trans.Messages, 1)
	commitSig := trans.Messages[0]

	replies := deliver(t, bob, commitSig)
	require.Len(t, replies, 1)
	require.IsType(t, &lnwire.RevokeAndAck{}, replies[0])

	before, err := bob.Snapshot()
	require.NoError(t, err)

	trans = processEvent(t, bob, PeerMessage{Msg: commitSig})
	require.True(t, trans.IsEmpty())

	after, err := bob.Snapshot()
	require.NoError(t, err)
	require.Equal(t, before, after)

	require.Empty(t, deliver(t, alice, replies...))
}

// TestChannelInvalidCommitSig checks that a bad signature fails the channel
// and hands out our latest commitment to enforce.
func TestChannelInvalidCommitSig(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)
	addHTLC(t, alice, bob, 50_000, 1)

	trans := processEvent(t, alice, SignCommitment{})
	commitSig, ok := trans.Messages[0].(*lnwire.CommitSig)
	require.True(t, ok)

	// A signature for the current commitment doesn't cover the new one.
	bogus := *commitSig
	bogus.CommitSig = bob.CommitmentTail(lntypes.Local).UnwrapOrFail(t).sig

	_, err := bob.ProcessEvent(PeerMessage{Msg: &bogus})

	var violation *ProtocolViolation
	require.ErrorAs(t, err, &violation)
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.NotNil(t, violation.CommitTx)
	require.Zero(t, violation.CommitHeight)
	require.Len(t, violation.CommitTx.TxIn[0].Witness, 4)
	require.Equal(t, AwaitingOnChainResolution, bob.State())

	_, err = bob.ProcessEvent(SignCommitment{})
	require.ErrorIs(t, err, ErrChannelClosed)
}

// TestChannelUnexpectedRevocation checks that a revocation without a pending
// commitment is fatal.
func TestChannelUnexpectedRevocation(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)

	_, err := bob.ProcessEvent(PeerMessage{Msg: &lnwire.RevokeAndAck{
		ChanID: alice.ChanID(),
	}})
	require.ErrorIs(t, err, ErrOutOfOrder)
	require.Equal(t, AwaitingOnChainResolution, bob.State())
}

// TestChannelSignWithoutWindow checks that we don't sign a second commitment
// before the first one was revoked.
func TestChannelSignWithoutWindow(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)

	_, err := alice.ProcessEvent(SignCommitment{})
	require.ErrorIs(t, err, ErrNoPendingUpdates)

	addHTLC(t, alice, bob, 50_000, 1)
	processEvent(t, alice, SignCommitment{})

	addHTLC(t, alice, bob, 60_000, 2)
	_, err = alice.ProcessEvent(SignCommitment{})
	require.ErrorIs(t, err, ErrNoWindow)
	require.Equal(t, Active, alice.State())
}

// TestChannelWrongChanID checks that messages for other channels are
// rejected without failing the channel.
func TestChannelWrongChanID(t *testing.T) {
	t.Parallel()

	alice, _ := createTestChannels(t, 1_000_000, 0)

	_, err := alice.ProcessEvent(PeerMessage{Msg: &lnwire.UpdateFee{
		ChanID:   lnwire.ChannelID{0xff},
		FeePerKw: 3000,
	}})
	require.ErrorIs(t, err, ErrChanIDMismatch)
	require.Equal(t, Active, alice.State())
}

// TestChannelFeeUpdate locks in a new commitment fee rate.
func TestChannelFeeUpdate(t *testing.T) {
	t.Parallel()

	const newRate chainfee.SatPerKWeight = 5000
	alice, bob := createTestChannels(t, 1_000_000, 0)

	trans := processEvent(t, alice, ProposeFee{FeePerKw: newRate})
	require.Empty(t, deliver(t, bob, trans.Messages...))

	require.Equal(t, fn.Some(newRate), alice.PendingFee(lntypes.Local))
	require.Equal(t, fn.Some(newRate), bob.PendingFee(lntypes.Remote))
	require.Equal(t, testFeeRate, bob.CommitFeeRate())

	forceStateTransition(t, alice, bob)

	for _, lc := range []*LightningChannel{alice, bob} {
		require.Equal(t, newRate, lc.CommitFeeRate())
		require.True(t, lc.PendingFee(lntypes.Local).IsNone())
		require.True(t, lc.PendingFee(lntypes.Remote).IsNone())

		commit := lc.CommitmentTail(lntypes.Local).UnwrapOrFail(t)
		require.Equal(t, newRate, commit.FeePerKw())
		require.Equal(t, CommitFee(newRate, 0), commit.Fee)
	}
}

// TestUpdateFeeBelowMinimum checks that a fee rate below our floor is never
// staged. A local proposal is rejected outright, a remote one fails the
// channel since the funder already signs over it.
func TestUpdateFeeBelowMinimum(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)
	tooLow := testPolicy().FeeBounds.Min - 1

	_, err := alice.ProcessEvent(ProposeFee{FeePerKw: tooLow})
	require.ErrorIs(t, err, ErrFeeRateOutOfBounds)
	require.True(t, alice.PendingFee(lntypes.Local).IsNone())
	require.Equal(t, Active, alice.State())

	_, err = bob.ProcessEvent(PeerMessage{Msg: &lnwire.UpdateFee{
		ChanID:   bob.ChanID(),
		FeePerKw: uint32(tooLow),
	}})

	var violation *ProtocolViolation
	require.ErrorAs(t, err, &violation)
	require.ErrorIs(t, err, ErrFeeRateOutOfBounds)
	require.NotNil(t, violation.CommitTx)
	require.Equal(t, AwaitingOnChainResolution, bob.State())
	require.Equal(t, testFeeRate, bob.CommitFeeRate())
	require.True(t, bob.PendingFee(lntypes.Remote).IsNone())
}

// TestUpdateFeeAboveRemoteBounds checks that a fee rate the funder accepts but
// we don't fails our channel on the update itself, so the commitment signed
// over it is never processed.
func TestUpdateFeeAboveRemoteBounds(t *testing.T) {
	t.Parallel()

	const rate chainfee.SatPerKWeight = 4000

	bobCfg := newTestConfig(2)
	bobCfg.Policy.FeeBounds.Max = 3000

	alice, bob := createTestChannelsWithConfigs(
		t, newTestConfig(1), bobCfg, 1_000_000, 0,
	)
	aliceCommit := commitTail(t, bob, lntypes.Local).CommitTx

	trans := processEvent(t, alice, ProposeFee{FeePerKw: rate})
	_, err := bob.ProcessEvent(PeerMessage{Msg: trans.Messages[0]})

	var violation *ProtocolViolation
	require.ErrorAs(t, err, &violation)
	require.ErrorIs(t, err, ErrFeeRateOutOfBounds)
	require.Equal(t, AwaitingOnChainResolution, bob.State())
	require.Equal(t, aliceCommit.TxHash(), violation.CommitTx.TxHash())
	require.True(t, bob.PendingFee(lntypes.Remote).IsNone())

	// Alice signs over her fee update as usual. Bob is already done with
	// the channel.
	trans = processEvent(t, alice, SignCommitment{})
	require.Len(t, trans.Messages, 1)

	_, err = bob.ProcessEvent(PeerMessage{Msg: trans.Messages[0]})
	require.ErrorIs(t, err, ErrChannelClosed)
	require.Equal(t, AwaitingOnChainResolution, bob.State())
}

// TestFundeeFeeUpdate checks that only the funder updates the fee.
func TestFundeeFeeUpdate(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)

	_, err := bob.ProcessEvent(ProposeFee{FeePerKw: 3000})
	require.ErrorIs(t, err, ErrNotFunder)
	require.Equal(t, Active, bob.State())

	_, err = alice.ProcessEvent(PeerMessage{Msg: &lnwire.UpdateFee{
		ChanID:   alice.ChanID(),
		FeePerKw: 3000,
	}})

	var violation *ProtocolViolation
	require.ErrorAs(t, err, &violation)
	require.ErrorIs(t, err, ErrNotFunder)
	require.NotNil(t, violation.CommitTx)
}

// TestCooperativeClose runs the closing fee negotiation for each tie-break
// rule and checks the fee both sides agree on.
func TestCooperativeClose(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		tieBreak chancloser.TieBreak
	}{
		{name: "accept remote", tieBreak: chancloser.TieBreakAcceptRemote},
		{name: "midpoint", tieBreak: chancloser.TieBreakMidpoint},
		{name: "ratchet", tieBreak: chancloser.TieBreakRatchet},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			testCooperativeClose(t, tc.tieBreak)
		})
	}
}

func testCooperativeClose(t *testing.T, tieBreak chancloser.TieBreak) {
	aliceCfg := newTestConfig(1)
	aliceCfg.FeeEstimator = fn.Some[chainfee.Estimator](
		chainfee.NewStaticEstimator(2000, chainfee.FeePerKwFloor),
	)
	bobCfg := newTestConfig(2)
	bobCfg.FeeEstimator = fn.Some[chainfee.Estimator](
		chainfee.NewStaticEstimator(4000, chainfee.FeePerKwFloor),
	)
	bobCfg.Close.TieBreak = tieBreak

	alice, bob := createTestChannelsWithConfigs(
		t, aliceCfg, bobCfg, 1_000_000, 300_000,
	)

	// An HTLC has to be resolved before the fee negotiation starts.
	preimage := addHTLC(t, alice, bob, 50_000, 1)
	forceStateTransition(t, alice, bob)

	trans := processEvent(t, alice, InitiateShutdown{})
	require.Equal(t, ShutdownNegotiation, alice.State())

	replies := deliver(t, bob, trans.Messages...)
	require.Len(t, replies, 1)
	require.IsType(t, &lnwire.Shutdown{}, replies[0])
	require.Empty(t, deliver(t, alice, replies...))

	// No new HTLCs while shutting down.
	_, err := alice.ProcessEvent(AddHTLC{
		Amount: 1_000, PaymentHash: preimage.Hash(),
		Expiry: testExpiry,
	})
	require.ErrorIs(t, err, ErrChannelShuttingDown)

	// Settling the HTLC cleans up the channel, which lets alice open the
	// negotiation as the funder.
	trans = processEvent(t, bob, SettleHTLC{ID: 0, Preimage: preimage})
	require.Empty(t, deliver(t, alice, trans.Messages...))

	trans = processEvent(t, bob, SignCommitment{})
	exchange(t, bob, alice, trans.Messages...)

	trans = processEvent(t, alice, SignCommitment{})
	require.Len(t, trans.Messages, 1)
	replies = deliver(t, bob, trans.Messages...)
	require.Len(t, replies, 1)

	trans = processEvent(t, alice, PeerMessage{Msg: replies[0]})
	require.Len(t, trans.Messages, 1)
	proposal, ok := trans.Messages[0].(*lnwire.ClosingSigned)
	require.True(t, ok)

	transitions := exchange(t, alice, bob, trans.Messages...)

	require.Equal(t, Closed, alice.State())
	require.Equal(t, Closed, bob.State())

	agreed := alice.ClosingFee().UnwrapOrFail(t)
	require.Equal(t, agreed, bob.ClosingFee().UnwrapOrFail(t))

	bobIdeal, err := bob.idealCloseFee()
	require.NoError(t, err)

	switch tieBreak {
	case chancloser.TieBreakAcceptRemote:
		require.Equal(t, proposal.FeeSatoshis, agreed)

	default:
		require.GreaterOrEqual(t, agreed, proposal.FeeSatoshis)
		require.LessOrEqual(t, agreed, bobIdeal)
	}

	aliceTx := alice.ClosingTx().UnwrapOrFail(t)
	bobTx := bob.ClosingTx().UnwrapOrFail(t)
	require.Equal(t, aliceTx.TxHash(), bobTx.TxHash())
	require.Len(t, aliceTx.TxIn[0].Witness, 4)

	var broadcasts, records int
	for _, trans := range transitions {
		for _, intent := range trans.Intents {
			if _, ok := intent.(BroadcastTx); ok {
				broadcasts++
			}
		}
		for _, update := range trans.MonitorUpdates {
			if update.Kind == CloseAgreed {
				records++
			}
		}
	}
	require.Equal(t, 2, broadcasts)
	require.Equal(t, 2, records)

	var closedOut btcutil.Amount
	for _, txOut := range aliceTx.TxOut {
		closedOut += btcutil.Amount(txOut.Value)
	}
	require.Equal(t, alice.Capacity()-agreed, closedOut)
}

// TestForceClose checks that a force close hands out our witnessed
// commitment.
func TestForceClose(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)
	addHTLC(t, alice, bob, 50_000, 1)
	forceStateTransition(t, alice, bob)

	trans := processEvent(t, bob, ForceClose{})
	require.Equal(t, AwaitingOnChainResolution, bob.State())

	require.Len(t, trans.Intents, 1)
	broadcast, ok := trans.Intents[0].(BroadcastTx)
	require.True(t, ok)

	local := bob.CommitmentTail(lntypes.Local).UnwrapOrFail(t)
	require.Equal(t, local.CommitTx.TxHash(), broadcast.Tx.TxHash())
	require.Len(t, broadcast.Tx.TxIn[0].Witness, 4)

	require.Len(t, trans.MonitorUpdates, 1)
	require.Equal(t, ForceClosed, trans.MonitorUpdates[0].Kind)
	require.Equal(t, local.Height(), trans.MonitorUpdates[0].Height)
}

// TestChannelSnapshotRestore restores a channel mid-flight and keeps using
// it.
func TestChannelSnapshotRestore(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 200_000)

	preimage := addHTLC(t, alice, bob, 50_000, 1)
	forceStateTransition(t, alice, bob)
	addHTLC(t, bob, alice, 20_000, 2)

	snapshot, err := bob.Snapshot()
	require.NoError(t, err)

	restored, err := RestoreChannel(newTestConfig(2), snapshot)
	require.NoError(t, err)

	require.Equal(t, bob.State(), restored.State())
	require.Equal(t, bob.ChanID(), restored.ChanID())
	require.Equal(t, bob.CommitHeights(), restored.CommitHeights())

	again, err := restored.Snapshot()
	require.NoError(t, err)
	require.Equal(t, snapshot, again)

	trans := processEvent(t, restored, SettleHTLC{
		ID: 0, Preimage: preimage,
	})
	require.Empty(t, deliver(t, alice, trans.Messages...))

	forceStateTransition(t, restored, alice)

	require.Equal(t,
		alice.CommitmentTail(lntypes.Remote).UnwrapOrFail(t).
			CommitTx.TxHash(),
		restored.CommitmentTail(lntypes.Local).UnwrapOrFail(t).
			CommitTx.TxHash(),
	)

	state, err := alice.HTLCState(lntypes.Remote, 0)
	require.NoError(t, err)
	require.Equal(t, HTLCCommitted, state)

	_, err = RestoreChannel(newTestConfig(2), snapshot[:len(snapshot)/2])
	require.Error(t, err)
}

// TestChannelBalanceConservation checks that no sequence of adds, settles
// and fails lets a commitment spend more than the channel capacity.
func TestChannelBalanceConservation(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		alice, bob := createTestChannels(rt, 1_000_000, 400_000)
		parties := [2]*LightningChannel{alice, bob}

		type liveHTLC struct {
			offerer  int
			id       uint64
			preimage lntypes.Preimage
		}
		var live []liveHTLC

		steps := rapid.IntRange(1, 8).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if len(live) == 0 || rapid.Bool().Draw(rt, "add") {
				from := rapid.IntRange(0, 1).Draw(rt, "from")
				sender, receiver := parties[from], parties[1-from]
				amt := btcutil.Amount(rapid.Int64Range(
					1, 300_000,
				).Draw(rt, "amount"))

				preimage := lntypes.Preimage(sha256.Sum256(
					[]byte{byte(i), byte(from)},
				))
				id := sender.htlcs.NextHtlcID(lntypes.Local)

				trans, err := sender.ProcessEvent(AddHTLC{
					Amount:      amt,
					PaymentHash: preimage.Hash(),
					Expiry:      testExpiry,
				})
				if err != nil {
					var vErr *ValidationError
					require.ErrorAs(rt, err, &vErr)

					continue
				}
				deliver(rt, receiver, trans.Messages...)
				forceStateTransition(rt, sender, receiver)

				live = append(live, liveHTLC{
					offerer:  from,
					id:       id,
					preimage: preimage,
				})
			} else {
				idx := rapid.IntRange(0, len(live)-1).Draw(
					rt, "htlc",
				)
				htlc := live[idx]
				live = append(live[:idx], live[idx+1:]...)

				offerer := parties[htlc.offerer]
				resolver := parties[1-htlc.offerer]

				var event Event = FailHTLC{
					ID:     htlc.id,
					Reason: lnwire.OpaqueReason("fail"),
				}
				if rapid.Bool().Draw(rt, "settle") {
					event = SettleHTLC{
						ID:       htlc.id,
						Preimage: htlc.preimage,
					}
				}
				trans := processEvent(rt, resolver, event)
				deliver(rt, offerer, trans.Messages...)
				forceStateTransition(rt, resolver, offerer)
			}

			requireConservation(rt, alice)
			requireConservation(rt, bob)
		}

		require.Equal(rt,
			commitTail(rt, alice, lntypes.Local).CommitTx.TxHash(),
			commitTail(rt, bob, lntypes.Remote).CommitTx.TxHash(),
		)
	})
}
