package lnwallet

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnchan/shachain"
	"github.com/stretchr/testify/require"
)

const (
	// testHeight is the block height every test channel sees.
	testHeight = 100

	// testExpiry is a valid absolute expiry for test HTLCs.
	testExpiry = 500

	testFeeRate chainfee.SatPerKWeight = 2500

	testDustLimit btcutil.Amount = 354

	testReserve btcutil.Amount = 10_000
)

// testingT is the part of *testing.T and *rapid.T the helpers need.
type testingT interface {
	require.TestingT
	Helper()
}

// testKeys are the private keys of one channel party.
type testKeys struct {
	multiSig   *btcec.PrivateKey
	revocation *btcec.PrivateKey
	payment    *btcec.PrivateKey
	delay      *btcec.PrivateKey
	htlc       *btcec.PrivateKey
}

// newTestKeys deterministically derives a key set from seed.
func newTestKeys(seed byte) *testKeys {
	key := func(i byte) *btcec.PrivateKey {
		secret := sha256.Sum256([]byte{seed, i})
		priv, _ := btcec.PrivKeyFromBytes(secret[:])

		return priv
	}

	return &testKeys{
		multiSig:   key(0),
		revocation: key(1),
		payment:    key(2),
		delay:      key(3),
		htlc:       key(4),
	}
}

func (k *testKeys) all() []*btcec.PrivateKey {
	return []*btcec.PrivateKey{
		k.multiSig, k.revocation, k.payment, k.delay, k.htlc,
	}
}

func testPolicy() ChannelPolicy {
	return ChannelPolicy{
		MinFundingAmount:  20_000,
		MaxFundingAmount:  16_777_215,
		MinDustLimit:      testDustLimit,
		MaxDustLimit:      1_000,
		MaxReservePercent: 20,
		MaxCsvDelay:       2016,
		MinExpiryDelta:    40,
		FeeBounds: FeeBounds{
			Min: chainfee.FeePerKwFloor,
			Max: 50_000,
		},
	}
}

// newTestConfig returns the config of one party of a test channel.
func newTestConfig(seed byte) Config {
	keys := newTestKeys(seed)
	root := chainhash.Hash(sha256.Sum256([]byte{seed, 'r'}))

	return Config{
		Signer:   input.NewMockSigner(keys.all()...),
		Producer: shachain.NewRevocationProducer(root),
		LocalConfig: ChannelConfig{
			ChannelConstraints: ChannelConstraints{
				DustLimit:        testDustLimit,
				ChanReserve:      testReserve,
				MaxPendingAmount: 10_000_000,
				MinHTLC:          1,
				MaxAcceptedHtlcs: input.MaxAcceptedHTLCs,
				CsvDelay:         144,
			},
			MultiSigKey:         keys.multiSig.PubKey(),
			RevocationBasePoint: keys.revocation.PubKey(),
			PaymentBasePoint:    keys.payment.PubKey(),
			DelayBasePoint:      keys.delay.PubKey(),
			HtlcBasePoint:       keys.htlc.PubKey(),
		},
		Policy:         testPolicy(),
		MinAcceptDepth: 3,
		Heights:        StaticHeight(testHeight),
	}
}

// processEvent applies event to lc and requires it to succeed.
func processEvent(t testingT, lc *LightningChannel,
	event Event) *Transition {

	t.Helper()

	trans, err := lc.ProcessEvent(event)
	require.NoError(t, err)
	require.NotNil(t, trans)

	return trans
}

// deliver hands msgs to lc in order and returns everything lc sent back.
func deliver(t testingT, lc *LightningChannel,
	msgs ...lnwire.Message) []lnwire.Message {

	t.Helper()

	var replies []lnwire.Message
	for _, msg := range msgs {
		trans := processEvent(t, lc, PeerMessage{Msg: msg})
		replies = append(replies, trans.Messages...)
	}

	return replies
}

// exchange delivers msgs from a to b and keeps relaying replies between
// both channels until neither has anything left to say. It returns the
// transitions of every step.
func exchange(t testingT, a, b *LightningChannel,
	msgs ...lnwire.Message) []*Transition {

	t.Helper()

	var (
		transitions []*Transition
		parties     = [2]*LightningChannel{b, a}
	)
	for i := 0; len(msgs) != 0; i++ {
		receiver := parties[i%2]

		var replies []lnwire.Message
		for _, msg := range msgs {
			trans := processEvent(t, receiver, PeerMessage{Msg: msg})
			transitions = append(transitions, trans)
			replies = append(replies, trans.Messages...)
		}
		msgs = replies

		require.Less(t, i, 100, "message exchange does not terminate")
	}

	return transitions
}

// createTestChannels runs the funding flow between alice, the funder, and
// bob, and returns both channels once they're active.
func createTestChannels(t testingT, capacity,
	push btcutil.Amount) (*LightningChannel, *LightningChannel) {

	t.Helper()

	return createTestChannelsWithConfigs(
		t, newTestConfig(1), newTestConfig(2), capacity, push,
	)
}

// createTestChannelsWithConfigs is createTestChannels with custom configs for
// both parties.
func createTestChannelsWithConfigs(t testingT, aliceCfg, bobCfg Config,
	capacity, push btcutil.Amount) (*LightningChannel, *LightningChannel) {

	t.Helper()

	alice, err := NewLightningChannel(aliceCfg)
	require.NoError(t, err)
	bob, err := NewLightningChannel(bobCfg)
	require.NoError(t, err)

	trans := processEvent(t, alice, InitFunding{
		PendingChanID: [32]byte{0xaa},
		Capacity:      capacity,
		PushAmt:       push,
		FeePerKw:      testFeeRate,
	})
	accept := deliver(t, bob, trans.Messages...)
	require.Len(t, accept, 1)

	trans = processEvent(t, alice, PeerMessage{Msg: accept[0]})
	require.Len(t, trans.Intents, 1)
	request, ok := trans.Intents[0].(RequestFunding)
	require.True(t, ok)
	require.Equal(t, capacity, request.Amount)

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x01}},
	})
	fundingTx.AddTxOut(wire.NewTxOut(int64(capacity), request.PkScript))

	trans = processEvent(t, alice, FundingTxReady{Tx: fundingTx})
	fundingSigned := deliver(t, bob, trans.Messages...)
	require.Len(t, fundingSigned, 1)

	trans = processEvent(t, alice, PeerMessage{Msg: fundingSigned[0]})
	require.Len(t, trans.Intents, 1)
	require.Len(t, trans.MonitorUpdates, 1)

	aliceReady := processEvent(t, alice, FundingConfirmed{}).Messages
	bobReady := processEvent(t, bob, FundingConfirmed{}).Messages
	require.Empty(t, deliver(t, bob, aliceReady...))
	require.Empty(t, deliver(t, alice, bobReady...))

	require.Equal(t, Active, alice.State())
	require.Equal(t, Active, bob.State())
	require.Equal(t, alice.ChanID(), bob.ChanID())

	return alice, bob
}

// forceStateTransition runs a full commitment dance initiated by a, after
// which every update of both parties is locked in.
func forceStateTransition(t testingT, a, b *LightningChannel) {
	t.Helper()

	trans := processEvent(t, a, SignCommitment{})
	exchange(t, a, b, trans.Messages...)

	trans = processEvent(t, b, SignCommitment{})
	exchange(t, b, a, trans.Messages...)

	require.True(t, a.FullySynced())
	require.True(t, b.FullySynced())
}

// addHTLC offers an HTLC from sender to receiver and returns its preimage.
func addHTLC(t testingT, sender, receiver *LightningChannel,
	amt btcutil.Amount, seed byte) lntypes.Preimage {

	t.Helper()

	preimage := lntypes.Preimage(sha256.Sum256([]byte{seed, 'p'}))
	trans := processEvent(t, sender, AddHTLC{
		Amount:      amt,
		PaymentHash: preimage.Hash(),
		Expiry:      testExpiry,
	})
	require.Empty(t, deliver(t, receiver, trans.Messages...))

	return preimage
}

// commitTail returns the tail of party's commitment chain.
func commitTail(t testingT, lc *LightningChannel,
	party lntypes.ChannelParty) *Commitment {

	t.Helper()

	commit, err := lc.CommitmentTail(party).UnwrapOrErr(ErrChannelNotActive)
	require.NoError(t, err)

	return commit
}

// requireConservation checks that no commitment of lc spends more than the
// channel holds.
func requireConservation(t testingT, lc *LightningChannel) {
	t.Helper()

	for _, party := range []lntypes.ChannelParty{
		lntypes.Local, lntypes.Remote,
	} {
		commit := commitTail(t, lc, party)

		var total btcutil.Amount
		for _, txOut := range commit.CommitTx.TxOut {
			total += btcutil.Amount(txOut.Value)
		}
		require.LessOrEqual(t, total+commit.Fee, lc.Capacity())
	}
}
