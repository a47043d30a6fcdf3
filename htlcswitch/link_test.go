package htlcswitch

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnchan/monitoring"
	"github.com/lightningnetwork/lnchan/shachain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testCapacity btcutil.Amount = 1_000_000

	testTimeout = 5 * time.Second

	testPoll = 5 * time.Millisecond
)

// pipePeer hands every message to the link of the remote party.
type pipePeer struct {
	mu     sync.Mutex
	remote *ChannelLink
	sent   []lnwire.Message
}

func (p *pipePeer) SendMessage(msgs ...lnwire.Message) error {
	p.mu.Lock()
	p.sent = append(p.sent, msgs...)
	p.mu.Unlock()

	for _, msg := range msgs {
		p.remote.HandlePeerMessage(msg)
	}

	return nil
}

func (p *pipePeer) numSent() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.sent)
}

// memStore keeps monitor updates in memory.
type memStore struct {
	mu      sync.Mutex
	updates []lnwallet.MonitorUpdate
}

func (m *memStore) PutMonitorUpdates(updates ...lnwallet.MonitorUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updates = append(m.updates, updates...)

	return nil
}

func (m *memStore) kinds() []lnwallet.MonitorUpdateKind {
	m.mu.Lock()
	defer m.mu.Unlock()

	kinds := make([]lnwallet.MonitorUpdateKind, 0, len(m.updates))
	for _, update := range m.updates {
		kinds = append(kinds, update.Kind)
	}

	return kinds
}

// mockStore is a MonitorStore whose behavior is set per test.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) PutMonitorUpdates(
	updates ...lnwallet.MonitorUpdate) error {

	args := m.Called(updates)

	return args.Error(0)
}

// mockChain records published transactions and funds channels out of thin
// air.
type mockChain struct {
	mu        sync.Mutex
	published []*wire.MsgTx

	// onPublish, if set, is called with every published transaction.
	onPublish func(*wire.MsgTx)
}

func (m *mockChain) PublishTransaction(tx *wire.MsgTx, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.onPublish != nil {
		m.onPublish(tx)
	}
	m.published = append(m.published, tx)

	return nil
}

func (m *mockChain) CreateFundingTx(
	req lnwallet.RequestFunding) (*wire.MsgTx, uint32, error) {

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x01}},
	})
	tx.AddTxOut(wire.NewTxOut(int64(req.Amount), req.PkScript))

	return tx, 0, nil
}

func (m *mockChain) numPublished() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.published)
}

// newTestChannel creates an unfunded channel with keys derived from seed.
func newTestChannel(t *testing.T, seed byte) *lnwallet.LightningChannel {
	t.Helper()

	keys := make([]*btcec.PrivateKey, 5)
	for i := range keys {
		secret := sha256.Sum256([]byte{seed, byte(i)})
		keys[i], _ = btcec.PrivKeyFromBytes(secret[:])
	}
	root := chainhash.Hash(sha256.Sum256([]byte{seed, 'r'}))

	channel, err := lnwallet.NewLightningChannel(lnwallet.Config{
		Signer:   input.NewMockSigner(keys...),
		Producer: shachain.NewRevocationProducer(root),
		LocalConfig: lnwallet.ChannelConfig{
			ChannelConstraints: lnwallet.ChannelConstraints{
				DustLimit:        354,
				ChanReserve:      10_000,
				MaxPendingAmount: 500_000,
				MinHTLC:          1,
				MaxAcceptedHtlcs: input.MaxAcceptedHTLCs,
				CsvDelay:         144,
			},
			MultiSigKey:         keys[0].PubKey(),
			RevocationBasePoint: keys[1].PubKey(),
			PaymentBasePoint:    keys[2].PubKey(),
			DelayBasePoint:      keys[3].PubKey(),
			HtlcBasePoint:       keys[4].PubKey(),
		},
		Policy: lnwallet.ChannelPolicy{
			MinFundingAmount:  20_000,
			MaxFundingAmount:  16_777_215,
			MinDustLimit:      354,
			MaxDustLimit:      1_000,
			MaxReservePercent: 20,
			MaxCsvDelay:       2016,
			MinExpiryDelta:    40,
			FeeBounds: lnwallet.FeeBounds{
				Min: chainfee.FeePerKwFloor,
				Max: 50_000,
			},
		},
		MinAcceptDepth: 3,
		Heights:        lnwallet.StaticHeight(100),
	})
	require.NoError(t, err)

	return channel
}

// linkHarness is a pair of connected links.
type linkHarness struct {
	alice, bob           *ChannelLink
	alicePeer, bobPeer   *pipePeer
	aliceChain, bobChain *mockChain

	aliceTransitions chan *lnwallet.Transition
}

// newLinkHarness creates and starts links for alice, the funder, and bob.
// The links persist into the given stores.
func newLinkHarness(t *testing.T, aliceStore,
	bobStore MonitorStore) *linkHarness {

	t.Helper()

	h := &linkHarness{
		alicePeer:        &pipePeer{},
		bobPeer:          &pipePeer{},
		aliceChain:       &mockChain{},
		bobChain:         &mockChain{},
		aliceTransitions: make(chan *lnwallet.Transition, 100),
	}

	metrics, err := monitoring.NewChannelMetrics(
		prometheus.NewRegistry(), true,
	)
	require.NoError(t, err)

	h.alice = NewChannelLink(ChannelLinkConfig{
		Channel:     newTestChannel(t, 1),
		Peer:        h.alicePeer,
		Store:       aliceStore,
		ChainIO:     h.aliceChain,
		BatchTicker: ticker.New(10 * time.Millisecond),
		MailboxSize: 10,
		Metrics:     fn.Some(metrics),
		OnTransition: func(trans *lnwallet.Transition) {
			h.aliceTransitions <- trans
		},
	})
	h.bob = NewChannelLink(ChannelLinkConfig{
		Channel:     newTestChannel(t, 2),
		Peer:        h.bobPeer,
		Store:       bobStore,
		ChainIO:     h.bobChain,
		BatchTicker: ticker.New(10 * time.Millisecond),
		MailboxSize: 10,
	})
	h.alicePeer.remote = h.bob
	h.bobPeer.remote = h.alice

	require.NoError(t, h.alice.Start())
	require.NoError(t, h.bob.Start())
	t.Cleanup(func() {
		h.alice.Stop()
		h.bob.Stop()
	})

	return h
}

// state returns the channel state of a link.
func state(t *testing.T, l *ChannelLink) lnwallet.ChannelState {
	t.Helper()

	var s lnwallet.ChannelState
	err := l.Query(context.Background(), func(c *lnwallet.LightningChannel) {
		s = c.State()
	})
	require.NoError(t, err)

	return s
}

// htlcState returns the state of the HTLC offered by offerer with id, as
// seen by the channel of l.
func htlcState(t *testing.T, l *ChannelLink, offerer lntypes.ChannelParty,
	id uint64) lnwallet.HTLCState {

	t.Helper()

	var (
		s      lnwallet.HTLCState
		result error
	)
	err := l.Query(context.Background(), func(c *lnwallet.LightningChannel) {
		s, result = c.HTLCState(offerer, id)
	})
	require.NoError(t, err)
	if result != nil {
		return lnwallet.HTLCPendingAdd
	}

	return s
}

func fullySynced(t *testing.T, l *ChannelLink) bool {
	t.Helper()

	var synced bool
	err := l.Query(context.Background(), func(c *lnwallet.LightningChannel) {
		synced = c.FullySynced()
	})
	require.NoError(t, err)

	return synced
}

// fund runs the funding flow of the harness until both channels are active.
func (h *linkHarness) fund(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	_, err := h.alice.ProcessEvent(ctx, lnwallet.InitFunding{
		PendingChanID: [32]byte{0xaa},
		Capacity:      testCapacity,
		FeePerKw:      2500,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return state(t, h.alice) == lnwallet.FundingSigned
	}, testTimeout, testPoll)
	require.Equal(t, lnwallet.FundingSigned, state(t, h.bob))

	// The funding transaction is published once it's safe to.
	require.Equal(t, 1, h.aliceChain.numPublished())

	_, err = h.alice.ProcessEvent(ctx, lnwallet.FundingConfirmed{})
	require.NoError(t, err)
	_, err = h.bob.ProcessEvent(ctx, lnwallet.FundingConfirmed{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return state(t, h.alice) == lnwallet.Active &&
			state(t, h.bob) == lnwallet.Active
	}, testTimeout, testPoll)
}

// TestChannelLinkPayment routes a payment from alice to bob through two
// links, relying on the batch ticker to sign the updates.
func TestChannelLinkPayment(t *testing.T) {
	t.Parallel()

	aliceStore, bobStore := &memStore{}, &memStore{}
	h := newLinkHarness(t, aliceStore, bobStore)
	h.fund(t)

	ctx := context.Background()
	preimage := lntypes.Preimage{0x01}
	_, err := h.alice.ProcessEvent(ctx, lnwallet.AddHTLC{
		Amount:      50_000,
		PaymentHash: preimage.Hash(),
		Expiry:      500,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return htlcState(t, h.alice, lntypes.Local, 0) ==
			lnwallet.HTLCCommitted &&
			htlcState(t, h.bob, lntypes.Remote, 0) ==
				lnwallet.HTLCCommitted
	}, testTimeout, testPoll)

	_, err = h.bob.ProcessEvent(ctx, lnwallet.SettleHTLC{
		ID:       0,
		Preimage: preimage,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return htlcState(t, h.alice, lntypes.Local, 0) ==
			lnwallet.HTLCResolved &&
			htlcState(t, h.bob, lntypes.Remote, 0) ==
				lnwallet.HTLCResolved &&
			fullySynced(t, h.alice) && fullySynced(t, h.bob)
	}, testTimeout, testPoll)

	// Alice learned about the settle through a transition.
	var settled bool
	for !settled {
		select {
		case trans := <-h.aliceTransitions:
			for _, htlc := range trans.Resolved {
				settled = settled || htlc.Settled
			}

		default:
			t.Fatal("no settle reported")
		}
	}

	// Both parties persisted commitments in both directions.
	for _, store := range []*memStore{aliceStore, bobStore} {
		kinds := store.kinds()
		require.Contains(t, kinds, lnwallet.NewLocalCommitment)
		require.Contains(t, kinds, lnwallet.NewRemoteCommitment)
		require.Contains(t, kinds, lnwallet.RevocationReceived)
	}
}

// TestChannelLinkPersistFailure checks that nothing is sent if monitor
// updates can't be persisted, and that the link fails.
func TestChannelLinkPersistFailure(t *testing.T) {
	t.Parallel()

	bobStore := &mockStore{}
	bobStore.On("PutMonitorUpdates", mock.Anything).Return(
		errors.New("disk full"),
	)
	h := newLinkHarness(t, &memStore{}, bobStore)

	_, err := h.alice.ProcessEvent(context.Background(),
		lnwallet.InitFunding{
			PendingChanID: [32]byte{0xbb},
			Capacity:      testCapacity,
			FeePerKw:      2500,
		},
	)
	require.NoError(t, err)

	// Bob fails on funding_created, which is the first transition that
	// must be persisted.
	require.Eventually(t, func() bool {
		err := h.bob.Query(
			context.Background(), func(*lnwallet.LightningChannel) {},
		)

		return errors.Is(err, ErrLinkFailed)
	}, testTimeout, testPoll)
	bobStore.AssertNumberOfCalls(t, "PutMonitorUpdates", 1)

	// Only accept_channel left bob, so alice never sees funding_signed.
	require.Equal(t, 1, h.bobPeer.numSent())
	require.Equal(t, lnwallet.AwaitFunding, state(t, h.alice))
	require.Zero(t, h.aliceChain.numPublished())
}

// TestChannelLinkViolation checks that a protocol violation fails the link
// and broadcasts the latest commitment once its force close is persisted.
func TestChannelLinkViolation(t *testing.T) {
	t.Parallel()

	aliceStore := &memStore{}
	h := newLinkHarness(t, aliceStore, &memStore{})
	h.fund(t)

	// Record what alice's store held when each transaction went out.
	var storedAtPublish []lnwallet.MonitorUpdateKind
	h.aliceChain.mu.Lock()
	h.aliceChain.onPublish = func(*wire.MsgTx) {
		kinds := aliceStore.kinds()
		storedAtPublish = append(storedAtPublish, kinds[len(kinds)-1])
	}
	h.aliceChain.mu.Unlock()

	var chanID lnwire.ChannelID
	err := h.alice.Query(context.Background(),
		func(c *lnwallet.LightningChannel) {
			chanID = c.ChanID()
		},
	)
	require.NoError(t, err)

	// A revocation is unexpected while alice has no commitment pending.
	h.alice.HandlePeerMessage(&lnwire.RevokeAndAck{ChanID: chanID})

	require.Eventually(t, func() bool {
		_, err := h.alice.ProcessEvent(
			context.Background(), lnwallet.SignCommitment{},
		)

		var failure *LinkFailureError
		return errors.As(err, &failure)
	}, testTimeout, testPoll)

	// The funding transaction and the commitment.
	require.Equal(t, 2, h.aliceChain.numPublished())

	h.aliceChain.mu.Lock()
	commitTx := h.aliceChain.published[1]
	require.Equal(t, []lnwallet.MonitorUpdateKind{lnwallet.ForceClosed},
		storedAtPublish)
	h.aliceChain.mu.Unlock()

	aliceStore.mu.Lock()
	last := aliceStore.updates[len(aliceStore.updates)-1]
	aliceStore.mu.Unlock()
	require.Equal(t, lnwallet.ForceClosed, last.Kind)
	require.Equal(t, commitTx.TxHash(), last.CommitTx.TxHash())
	require.NotEmpty(t, last.Snapshot)

	_, err = h.alice.ProcessEvent(
		context.Background(), lnwallet.ForceClose{},
	)
	require.ErrorIs(t, err, ErrLinkFailed)
}
