package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/channeldb"
	"github.com/lightningnetwork/lnchan/htlcswitch"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnchan/monitoring"
	"github.com/lightningnetwork/lnchan/shachain"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// simPeer delivers messages straight into the link of the other party.
type simPeer struct {
	remote *htlcswitch.ChannelLink
}

// SendMessage hands msgs to the remote link.
//
// NOTE: Part of the htlcswitch.Peer interface.
func (p *simPeer) SendMessage(msgs ...lnwire.Message) error {
	for _, msg := range msgs {
		p.remote.HandlePeerMessage(msg)
	}

	return nil
}

// simChain stands in for the chain backend of a party. Broadcasts are only
// logged and recorded.
type simChain struct {
	name string

	mu        sync.Mutex
	published map[string][]*wire.MsgTx
}

// PublishTransaction records tx under its label.
//
// NOTE: Part of the htlcswitch.ChainIO interface.
func (c *simChain) PublishTransaction(tx *wire.MsgTx, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	simLog.Infof("%v publishes %v transaction %v", c.name, label,
		tx.TxHash())
	c.published[label] = append(c.published[label], tx)

	return nil
}

// simFundingFee is the fee the funding transaction leaves to miners.
const simFundingFee btcutil.Amount = 2_000

// coinKey returns the key locking the imaginary coin of the party.
func (c *simChain) coinKey() *btcec.PrivateKey {
	secret := sha256.Sum256([]byte(c.name + "/coin key"))
	key, _ := btcec.PrivKeyFromBytes(secret[:])

	return key
}

// coin returns the outpoint and output of a p2wkh coin of the party large
// enough to fund amt.
func (c *simChain) coin(amt btcutil.Amount) (*wire.OutPoint, *wire.TxOut,
	error) {

	pkHash := btcutil.Hash160(c.coinKey().PubKey().SerializeCompressed())
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(pkHash).
		Script()
	if err != nil {
		return nil, nil, err
	}

	outpoint := &wire.OutPoint{
		Hash: sha256.Sum256([]byte(c.name + "/coin")),
	}

	return outpoint, wire.NewTxOut(int64(amt+simFundingFee), pkScript), nil
}

// CreateFundingTx returns a transaction paying the funding output from an
// imaginary coin of the party. The transaction is assembled as a PSBT, signed
// with the coin key, then finalized and extracted.
//
// NOTE: Part of the htlcswitch.ChainIO interface.
func (c *simChain) CreateFundingTx(
	req lnwallet.RequestFunding) (*wire.MsgTx, uint32, error) {

	outpoint, coin, err := c.coin(req.Amount)
	if err != nil {
		return nil, 0, err
	}

	packet, err := psbt.New(
		[]*wire.OutPoint{outpoint},
		[]*wire.TxOut{wire.NewTxOut(int64(req.Amount), req.PkScript)},
		2, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, 0, fmt.Errorf("unable to create funding psbt: %w",
			err)
	}
	packet.Inputs[0].WitnessUtxo = coin
	packet.Inputs[0].SighashType = txscript.SigHashAll

	prevOuts := txscript.NewCannedPrevOutputFetcher(
		coin.PkScript, coin.Value,
	)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, prevOuts)

	key := c.coinKey()
	sig, err := txscript.RawTxInWitnessSignature(
		packet.UnsignedTx, sigHashes, 0, coin.Value, coin.PkScript,
		txscript.SigHashAll, key,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("unable to sign funding input: %w",
			err)
	}
	packet.Inputs[0].PartialSigs = []*psbt.PartialSig{{
		PubKey:    key.PubKey().SerializeCompressed(),
		Signature: sig,
	}}

	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, 0, fmt.Errorf("unable to finalize funding psbt: %w",
			err)
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, 0, fmt.Errorf("unable to extract funding tx: %w",
			err)
	}

	return tx, 0, nil
}

func (c *simChain) labels() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	labels := make(map[string]int, len(c.published))
	for label, txs := range c.published {
		labels[label] = len(txs)
	}

	return labels
}

// party is one side of the simulated channel.
type party struct {
	name  string
	db    *channeldb.DB
	link  *htlcswitch.ChannelLink
	peer  *simPeer
	chain *simChain

	// transitions receives every transition of the link.
	transitions *queue.ConcurrentQueue
}

// partySeed derives the deterministic secrets of a party.
func partySeed(name string, purpose string) [32]byte {
	return sha256.Sum256([]byte(name + "/" + purpose))
}

// newChannelConfig builds the channel config of a party from cfg, with keys
// derived from its name.
func newChannelConfig(name string, cfg *Config) (lnwallet.Config, error) {
	keys := make([]*btcec.PrivateKey, 5)
	for i := range keys {
		secret := partySeed(name, fmt.Sprintf("key/%d", i))
		keys[i], _ = btcec.PrivKeyFromBytes(secret[:])
	}

	closeCfg, err := cfg.Close.CloseConfig(cfg.Fee.ConfTarget)
	if err != nil {
		return lnwallet.Config{}, err
	}

	return lnwallet.Config{
		Signer: input.NewMockSigner(keys...),
		Producer: shachain.NewRevocationProducer(
			chainhash.Hash(partySeed(name, "revocation")),
		),
		LocalConfig: lnwallet.ChannelConfig{
			ChannelConstraints:  cfg.Channel.Constraints(),
			MultiSigKey:         keys[0].PubKey(),
			RevocationBasePoint: keys[1].PubKey(),
			PaymentBasePoint:    keys[2].PubKey(),
			DelayBasePoint:      keys[3].PubKey(),
			HtlcBasePoint:       keys[4].PubKey(),
		},
		Policy:         cfg.Channel.PolicyFor(cfg.Fee),
		MinAcceptDepth: cfg.Channel.MinAcceptDepth,
		Close:          closeCfg,
		Heights:        lnwallet.StaticHeight(cfg.BestHeight),
		FeeEstimator:   cfg.Fee.Estimator(),
	}, nil
}

// newParty opens the database of a party and creates its link.
func newParty(name string, cfg *Config,
	reg prometheus.Registerer) (*party, error) {

	chanCfg, err := newChannelConfig(name, cfg)
	if err != nil {
		return nil, err
	}
	channel, err := lnwallet.NewLightningChannel(chanCfg)
	if err != nil {
		return nil, err
	}

	db, err := channeldb.Open(
		filepath.Join(cfg.DataDir, name),
		channeldb.OptionSetBoltOptions(cfg.DB.BoltOptions()),
	)
	if err != nil {
		return nil, err
	}

	metrics, err := monitoring.NewChannelMetrics(
		prometheus.WrapRegistererWith(
			prometheus.Labels{"node": name}, reg,
		),
		cfg.Prometheus.PerfHistograms,
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	p := &party{
		name: name,
		db:   db,
		peer: &simPeer{},
		chain: &simChain{
			name:      name,
			published: make(map[string][]*wire.MsgTx),
		},
		transitions: queue.NewConcurrentQueue(cfg.Link.MailboxSize),
	}
	p.link = htlcswitch.NewChannelLink(htlcswitch.ChannelLinkConfig{
		Channel:     channel,
		Peer:        p.peer,
		Store:       db,
		ChainIO:     p.chain,
		BatchTicker: ticker.New(cfg.Link.BatchInterval),
		MailboxSize: cfg.Link.MailboxSize,
		Clock:       clock.NewDefaultClock(),
		Metrics:     fn.Some(metrics),
		OnTransition: func(trans *lnwallet.Transition) {
			p.transitions.ChanIn() <- trans
		},
	})

	return p, nil
}

func (p *party) start() error {
	p.transitions.Start()

	return p.link.Start()
}

func (p *party) stop() {
	p.link.Stop()
	p.transitions.Stop()

	if err := p.db.Close(); err != nil {
		simLog.Errorf("Unable to close database of %v: %v", p.name, err)
	}
}

// nextTransition waits for the next transition of the party's link.
func (p *party) nextTransition(
	ctx context.Context) (*lnwallet.Transition, error) {

	select {
	case item := <-p.transitions.ChanOut():
		trans, ok := item.(*lnwallet.Transition)
		if !ok {
			return nil, fmt.Errorf("unexpected item %T", item)
		}

		return trans, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitFor polls the channel of p until pred holds.
func (p *party) waitFor(ctx context.Context, desc string,
	pred func(*lnwallet.LightningChannel) bool) error {

	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		var done bool
		err := p.link.Query(ctx, func(c *lnwallet.LightningChannel) {
			done = pred(c)
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-poll.C:
		case <-ctx.Done():
			return fmt.Errorf("%v waiting for %v: %w", p.name, desc,
				ctx.Err())
		}
	}
}

// inState returns a predicate matching the given channel state.
func inState(
	state lnwallet.ChannelState) func(*lnwallet.LightningChannel) bool {

	return func(c *lnwallet.LightningChannel) bool {
		return c.State() == state
	}
}

func fullySynced(c *lnwallet.LightningChannel) bool {
	return c.FullySynced()
}

func closed(c *lnwallet.LightningChannel) bool {
	return c.State().IsTerminal()
}

// simResult summarizes a simulation run.
type simResult struct {
	// Settled is the number of payments bob settled.
	Settled int

	// Rejected is the number of payments bob failed back.
	Rejected int

	// FinalState is the state of alice's channel after the close.
	FinalState lnwallet.ChannelState

	// Published counts the transactions each party published, by label.
	Published map[string]map[string]int

	// MonitorUpdates is the number of stored updates of each party.
	MonitorUpdates map[string]int
}

// runSimulation opens a channel between alice and bob, sends the configured
// payments from alice to bob and closes the channel again.
func runSimulation(ctx context.Context, cfg *Config) (*simResult, error) {
	registry := prometheus.NewRegistry()
	if cfg.Prometheus.Enabled() {
		exporter, err := monitoring.ExportPrometheusMetrics(
			cfg.Prometheus, registry,
		)
		if err != nil {
			return nil, err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(
				context.Background(), 5*time.Second,
			)
			defer cancel()

			if err := exporter.Stop(stopCtx); err != nil {
				simLog.Errorf("Unable to stop exporter: %v", err)
			}
		}()
	}

	alice, err := newParty("alice", cfg, registry)
	if err != nil {
		return nil, err
	}
	defer alice.stop()

	bob, err := newParty("bob", cfg, registry)
	if err != nil {
		return nil, err
	}
	defer bob.stop()

	alice.peer.remote = bob.link
	bob.peer.remote = alice.link
	if err := alice.start(); err != nil {
		return nil, err
	}
	if err := bob.start(); err != nil {
		return nil, err
	}

	if err := openChannel(ctx, cfg, alice, bob); err != nil {
		return nil, err
	}

	result := &simResult{
		Published:      make(map[string]map[string]int),
		MonitorUpdates: make(map[string]int),
	}
	if err := routePayments(ctx, cfg, alice, bob, result); err != nil {
		return nil, err
	}

	if err := closeChannel(ctx, cfg, alice, bob); err != nil {
		return nil, err
	}

	err = alice.link.Query(ctx, func(c *lnwallet.LightningChannel) {
		result.FinalState = c.State()
	})
	if err != nil {
		return nil, err
	}

	for _, p := range []*party{alice, bob} {
		result.Published[p.name] = p.chain.labels()

		chanIDs, err := p.db.FetchChannelIDs()
		if err != nil {
			return nil, err
		}
		for _, chanID := range chanIDs {
			updates, err := p.db.FetchMonitorUpdates(chanID)
			if err != nil {
				return nil, err
			}
			result.MonitorUpdates[p.name] += len(updates)
		}
	}

	return result, nil
}

// openChannel runs the funding flow with alice as the funder.
func openChannel(ctx context.Context, cfg *Config, alice, bob *party) error {
	_, err := alice.link.ProcessEvent(ctx, lnwallet.InitFunding{
		PendingChanID: partySeed(alice.name, "pending-chan-id"),
		Capacity:      btcutil.Amount(cfg.Capacity),
		PushAmt:       btcutil.Amount(cfg.PushAmt),
		FeePerKw:      cfg.Fee.CommitRate(),
	})
	if err != nil {
		return err
	}

	err = alice.waitFor(ctx, "funding", inState(lnwallet.FundingSigned))
	if err != nil {
		return err
	}

	// The funding transaction confirms for both parties at once.
	for _, p := range []*party{alice, bob} {
		_, err := p.link.ProcessEvent(ctx, lnwallet.FundingConfirmed{})
		if err != nil {
			return err
		}
	}
	for _, p := range []*party{alice, bob} {
		err := p.waitFor(ctx, "channel_ready", inState(lnwallet.Active))
		if err != nil {
			return err
		}
	}

	simLog.Infof("Channel of %v open between alice and bob",
		btcutil.Amount(cfg.Capacity))

	return nil
}

// routePayments sends the configured payments from alice to bob, which
// settles every one it knows the preimage of.
func routePayments(ctx context.Context, cfg *Config, alice, bob *party,
	result *simResult) error {

	preimages := make(map[lntypes.Hash]lntypes.Preimage, cfg.NumPayments)
	hashes := make([]lntypes.Hash, 0, cfg.NumPayments)
	for i := 0; i < cfg.NumPayments; i++ {
		preimage := lntypes.Preimage(
			partySeed(bob.name, fmt.Sprintf("preimage/%d", i)),
		)
		preimages[preimage.Hash()] = preimage
		hashes = append(hashes, preimage.Hash())
	}

	expiry := cfg.BestHeight + cfg.Channel.MinExpiryDelta +
		defaultExpiryDelta

	g, gctx := errgroup.WithContext(ctx)

	// Alice offers all payments. The batch ticker of her link signs them
	// in groups.
	g.Go(func() error {
		for _, hash := range hashes {
			_, err := alice.link.ProcessEvent(gctx, lnwallet.AddHTLC{
				Amount:      btcutil.Amount(cfg.PaymentAmt),
				PaymentHash: hash,
				Expiry:      expiry,
			})
			if err != nil {
				return fmt.Errorf("unable to add htlc: %w", err)
			}
		}

		return nil
	})

	// Bob settles each payment as soon as it is locked in.
	g.Go(func() error {
		for result.Settled+result.Rejected < len(hashes) {
			trans, err := bob.nextTransition(gctx)
			if err != nil {
				return err
			}
			result.Rejected += len(trans.Rejected)

			for _, htlc := range trans.LockedIn {
				if !htlc.Incoming {
					continue
				}

				preimage, ok := preimages[htlc.PaymentHash]
				if !ok {
					return fmt.Errorf("unknown payment "+
						"hash %v", htlc.PaymentHash)
				}

				_, err := bob.link.ProcessEvent(
					gctx, lnwallet.SettleHTLC{
						ID:       htlc.ID,
						Preimage: preimage,
					},
				)
				if err != nil {
					return err
				}
				result.Settled++
			}
		}

		return nil
	})

	// Alice is done once every payment is resolved on her side.
	g.Go(func() error {
		for resolved := 0; resolved < len(hashes); {
			trans, err := alice.nextTransition(gctx)
			if err != nil {
				return err
			}
			resolved += len(trans.Resolved)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	simLog.Infof("Routed %d payments: %d settled, %d rejected",
		len(hashes), result.Settled, result.Rejected)

	for _, p := range []*party{alice, bob} {
		err := p.waitFor(ctx, "sync", fullySynced)
		if err != nil {
			return err
		}
	}

	return nil
}

// closeChannel closes the channel, cooperatively unless configured
// otherwise, and waits until both parties are done with it.
func closeChannel(ctx context.Context, cfg *Config, alice, bob *party) error {
	var event lnwallet.Event = lnwallet.InitiateShutdown{}
	if cfg.ForceClose {
		event = lnwallet.ForceClose{}
	}

	if _, err := alice.link.ProcessEvent(ctx, event); err != nil {
		return err
	}

	parties := []*party{alice}
	if !cfg.ForceClose {
		parties = append(parties, bob)
	}
	for _, p := range parties {
		err := p.waitFor(ctx, "close", closed)
		if err != nil {
			return err
		}
	}

	return nil
}
