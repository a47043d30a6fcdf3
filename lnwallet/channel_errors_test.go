package lnwallet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwallet/chancloser"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnchan/shachain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var errProducerOffline = errors.New("producer offline")

// switchableProducer fails to produce secrets while fail is set.
type switchableProducer struct {
	shachain.Producer

	fail bool
}

func (p *switchableProducer) AtIndex(i uint64) (*chainhash.Hash, error) {
	if p.fail {
		return nil, errProducerOffline
	}

	return p.Producer.AtIndex(i)
}

// TestChannelTooManyHTLCs fills the channel up to the HTLC limit and checks
// that one more add is refused without touching the channel.
func TestChannelTooManyHTLCs(t *testing.T) {
	t.Parallel()

	alice, _ := createTestChannels(t, 10_000_000, 0)

	add := func(i int) error {
		var seed [8]byte
		binary.BigEndian.PutUint64(seed[:], uint64(i))
		preimage := lntypes.Preimage(sha256.Sum256(seed[:]))

		_, err := alice.ProcessEvent(AddHTLC{
			Amount:      5_000,
			PaymentHash: preimage.Hash(),
			Expiry:      testExpiry,
		})

		return err
	}

	for i := 0; i < input.MaxAcceptedHTLCs; i++ {
		require.NoError(t, add(i), "htlc %d", i)
	}

	err := add(input.MaxAcceptedHTLCs)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.ErrorIs(t, err, ErrTooManyHTLCs)
	require.Equal(t, Active, alice.State())

	_, err = alice.HTLCState(lntypes.Local, input.MaxAcceptedHTLCs)
	require.ErrorIs(t, err, ErrUnknownHtlcIndex)
}

// TestCloseNegotiationRoundLimit lets both parties insist on their own
// closing fee until the round limit is hit. The channel stays in shutdown so
// the caller can decide to force close.
func TestCloseNegotiationRoundLimit(t *testing.T) {
	t.Parallel()

	aliceCfg := newTestConfig(1)
	aliceCfg.FeeEstimator = fn.Some[chainfee.Estimator](
		chainfee.NewStaticEstimator(2000, chainfee.FeePerKwFloor),
	)
	aliceCfg.Close.MaxRounds = 1

	bobCfg := newTestConfig(2)
	bobCfg.FeeEstimator = fn.Some[chainfee.Estimator](
		chainfee.NewStaticEstimator(10_000, chainfee.FeePerKwFloor),
	)
	bobCfg.Close.MaxRounds = 1

	alice, bob := createTestChannelsWithConfigs(
		t, aliceCfg, bobCfg, 1_000_000, 0,
	)

	trans := processEvent(t, alice, InitiateShutdown{})
	shutdown := deliver(t, bob, trans.Messages...)
	require.Len(t, shutdown, 1)

	// The channel is clean, so alice opens the negotiation right away.
	proposal := deliver(t, alice, shutdown...)
	require.Len(t, proposal, 1)
	require.IsType(t, &lnwire.ClosingSigned{}, proposal[0])

	counter := deliver(t, bob, proposal...)
	require.Len(t, counter, 1)

	counter = deliver(t, alice, counter...)
	require.Len(t, counter, 1)

	_, err := bob.ProcessEvent(PeerMessage{Msg: counter[0]})

	var failure *chancloser.NegotiationFailure
	require.ErrorAs(t, err, &failure)
	require.ErrorIs(t, err, chancloser.ErrCloseNegotiationFailed)
	require.Equal(t, uint32(1), failure.Rounds)

	require.Equal(t, ShutdownNegotiation, alice.State())
	require.Equal(t, ShutdownNegotiation, bob.State())
	require.True(t, bob.ClosingFee().IsNone())

	// Further proposals are refused, but force closing is still possible.
	_, err = bob.ProcessEvent(PeerMessage{Msg: counter[0]})
	require.ErrorIs(t, err, chancloser.ErrCloseNegotiationFailed)
	require.Equal(t, ShutdownNegotiation, bob.State())

	trans = processEvent(t, bob, ForceClose{})
	require.Equal(t, AwaitingOnChainResolution, bob.State())
	require.Len(t, trans.Intents, 1)
}

// TestChannelInvalidHTLCSig checks that a commit_sig with a bad second-level
// signature fails the channel.
func TestChannelInvalidHTLCSig(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)
	addHTLC(t, alice, bob, 50_000, 1)

	trans := processEvent(t, alice, SignCommitment{})
	commitSig, ok := trans.Messages[0].(*lnwire.CommitSig)
	require.True(t, ok)
	require.Len(t, commitSig.HtlcSigs, 1)

	// The commitment signature is well formed but signs another
	// transaction.
	bogus := *commitSig
	bogus.HtlcSigs = []lnwire.Sig{commitSig.CommitSig}

	_, err := bob.ProcessEvent(PeerMessage{Msg: &bogus})

	var violation *ProtocolViolation
	require.ErrorAs(t, err, &violation)
	require.ErrorIs(t, err, ErrInvalidHTLCSig)
	require.NotNil(t, violation.CommitTx)
	require.Zero(t, violation.CommitHeight)
	require.NotNil(t, violation.MonitorUpdate)
	require.Equal(t, ForceClosed, violation.MonitorUpdate.Kind)
	require.Equal(
		t, violation.CommitTx.TxHash(),
		violation.MonitorUpdate.CommitTx.TxHash(),
	)
	require.Equal(t, AwaitingOnChainResolution, bob.State())
}

// TestChannelPrematureRevocation checks that the remote party revealing the
// secret of the commitment we just signed, instead of the prior one, fails
// the channel.
func TestChannelPrematureRevocation(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)
	addHTLC(t, alice, bob, 50_000, 1)

	trans := processEvent(t, alice, SignCommitment{})
	replies := deliver(t, bob, trans.Messages...)
	require.Len(t, replies, 1)

	revocation, ok := replies[0].(*lnwire.RevokeAndAck)
	require.True(t, ok)

	// Bob's commitment 1 was just signed, commitment 2 doesn't exist.
	early, err := bob.revocations.CommitSecret(1)
	require.NoError(t, err)

	premature := *revocation
	premature.Revocation = *early

	_, err = alice.ProcessEvent(PeerMessage{Msg: &premature})

	var violation *ProtocolViolation
	require.ErrorAs(t, err, &violation)
	require.ErrorIs(t, err, ErrPrematureRevocation)
	require.Equal(t, AwaitingOnChainResolution, alice.State())
}

// TestCommitPointFailure checks that a failing secret producer surfaces with
// the height it failed for, and leaves the channel untouched.
func TestCommitPointFailure(t *testing.T) {
	t.Parallel()

	producer := &switchableProducer{
		Producer: shachain.NewRevocationProducer(chainhash.Hash{0x02}),
	}
	bobCfg := newTestConfig(2)
	bobCfg.Producer = producer

	alice, bob := createTestChannelsWithConfigs(
		t, newTestConfig(1), bobCfg, 1_000_000, 0,
	)
	addHTLC(t, alice, bob, 50_000, 1)
	trans := processEvent(t, alice, SignCommitment{})

	producer.fail = true
	_, err := bob.ProcessEvent(PeerMessage{Msg: trans.Messages[0]})
	require.ErrorIs(t, err, errProducerOffline)
	require.ErrorContains(t, err, "commit point 1")
	require.Equal(t, Active, bob.State())

	var violation *ProtocolViolation
	require.False(t, errors.As(err, &violation))

	// Once the producer is back the same commitment goes through.
	producer.fail = false
	replies := deliver(t, bob, trans.Messages...)
	require.Len(t, replies, 1)
	require.IsType(t, &lnwire.RevokeAndAck{}, replies[0])
}
