package htlcswitch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnchan/lnutils"
	"github.com/lightningnetwork/lnchan/lnwallet"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnchan/monitoring"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

// ChannelLinkConfig defines the configuration for the channel link. ALL
// elements within the configuration MUST be non-nil for channel link to carry
// out its duties, except for the optional ones.
type ChannelLinkConfig struct {
	// Channel is the state machine driven by the link. The link owns it
	// once started.
	Channel *lnwallet.LightningChannel

	// Peer is the connection to the remote party.
	Peer Peer

	// Store persists monitor updates before the messages of a transition
	// are sent.
	Store MonitorStore

	// ChainIO broadcasts transactions and creates funding transactions.
	ChainIO ChainIO

	// BatchTicker is the ticker that determines the interval that we'll
	// use to check the batch to see if there're any updates we should
	// flush out. By batching updates into a single commit, we attempt to
	// increase throughput by maximizing the number of updates coalesced
	// into a single commit.
	BatchTicker ticker.Ticker

	// MailboxSize is the buffer size of the event queue.
	MailboxSize int

	// Clock is the time source of the latency metrics.
	Clock clock.Clock

	// Metrics optionally collects the outcome of every event.
	Metrics fn.Option[*monitoring.ChannelMetrics]

	// OnTransition is optionally called with every successful transition,
	// after it was carried out.
	OnTransition func(*lnwallet.Transition)
}

// linkRequest is an item of the link's mailbox.
type linkRequest struct {
	// event is applied to the channel, unless query is set.
	event lnwallet.Event

	// query inspects the channel from within the link goroutine.
	query func(*lnwallet.LightningChannel)

	// resp receives the outcome. It is nil for messages from the peer.
	resp chan linkResponse
}

type linkResponse struct {
	trans *lnwallet.Transition
	err   error
}

// ChannelLink drives a single channel. Events from the peer and from local
// callers are serialized through its mailbox and applied by one goroutine,
// which persists the monitor updates of each transition before sending its
// messages. Pending updates are signed in batches on every tick of the batch
// ticker.
type ChannelLink struct {
	started sync.Once
	stopped sync.Once

	cfg ChannelLinkConfig

	channel *lnwallet.LightningChannel

	mailbox *queue.ConcurrentQueue

	// failure is set once the link failed. It is only accessed by the
	// link goroutine.
	failure error

	log btclog.Logger

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewChannelLink creates a new channel link from the config.
func NewChannelLink(cfg ChannelLinkConfig) *ChannelLink {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	prefix := fmt.Sprintf("ChannelLink(%v):", cfg.Channel.ChanID())

	return &ChannelLink{
		cfg:     cfg,
		channel: cfg.Channel,
		mailbox: queue.NewConcurrentQueue(cfg.MailboxSize),
		log:     log.WithPrefix(prefix),
		quit:    make(chan struct{}),
	}
}

// Start launches the link goroutine.
func (l *ChannelLink) Start() error {
	l.started.Do(func() {
		l.log.Info("Starting")

		l.mailbox.Start()
		l.cfg.BatchTicker.Resume()

		l.wg.Add(1)
		go l.htlcManager()
	})

	return nil
}

// Stop stops the link goroutine and waits for it to exit. Events still in
// the mailbox are dropped.
func (l *ChannelLink) Stop() {
	l.stopped.Do(func() {
		l.log.Info("Stopping")

		close(l.quit)
		l.wg.Wait()

		l.cfg.BatchTicker.Stop()
		l.mailbox.Stop()
	})
}

// ProcessEvent applies a local event to the channel and returns the
// resulting transition once it was carried out.
func (l *ChannelLink) ProcessEvent(ctx context.Context,
	event lnwallet.Event) (*lnwallet.Transition, error) {

	return l.request(ctx, &linkRequest{event: event})
}

// HandlePeerMessage queues a message received from the remote party. It
// doesn't wait for the message to be processed.
func (l *ChannelLink) HandlePeerMessage(msg lnwire.Message) {
	select {
	case l.mailbox.ChanIn() <- &linkRequest{
		event: lnwallet.PeerMessage{Msg: msg},
	}:

	case <-l.quit:
	}
}

// Query runs f against the channel from within the link goroutine, so it
// sees a consistent state.
func (l *ChannelLink) Query(ctx context.Context,
	f func(*lnwallet.LightningChannel)) error {

	_, err := l.request(ctx, &linkRequest{query: f})

	return err
}

// request queues req and waits for its response.
func (l *ChannelLink) request(ctx context.Context,
	req *linkRequest) (*lnwallet.Transition, error) {

	req.resp = make(chan linkResponse, 1)

	select {
	case l.mailbox.ChanIn() <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.quit:
		return nil, ErrLinkShuttingDown
	}

	select {
	case resp := <-req.resp:
		return resp.trans, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.quit:
		return nil, ErrLinkShuttingDown
	}
}

// htlcManager is the primary goroutine which drives a channel's commitment
// update state-machine in response to messages received from the peer and
// local commands. It also flushes pending updates into a new commitment on
// every batch tick.
//
// NOTE: This MUST be run as a goroutine.
func (l *ChannelLink) htlcManager() {
	defer l.wg.Done()

	l.log.Infof("HTLC manager started, state=%v", l.channel.State())

	for {
		select {
		case <-l.cfg.BatchTicker.Ticks():
			l.flushBatch()

		case item := <-l.mailbox.ChanOut():
			req, ok := item.(*linkRequest)
			if !ok {
				l.log.Errorf("Unexpected mailbox item %T", item)
				continue
			}
			l.handleRequest(req)

		case <-l.quit:
			l.log.Info("HTLC manager stopped")
			return
		}
	}
}

// handleRequest serves a single mailbox item.
func (l *ChannelLink) handleRequest(req *linkRequest) {
	var resp linkResponse
	switch {
	case l.failure != nil:
		resp.err = l.failure

	case req.query != nil:
		req.query(l.channel)

	default:
		resp.trans, resp.err = l.applyEvent(req.event)
	}

	switch {
	case req.resp != nil:
		req.resp <- resp

	// Nobody waits for the outcome of peer messages, so a rejected one
	// is only logged.
	case resp.err != nil && l.failure == nil:
		l.log.Warnf("Unable to process %v: %v",
			monitoring.EventLabel(req.event), resp.err)
	}
}

// flushBatch signs a new commitment if we owe the remote party one. The
// ticker is paused while there is nothing to sign.
func (l *ChannelLink) flushBatch() {
	if l.failure != nil || l.channel.State().IsTerminal() {
		l.cfg.BatchTicker.Pause()
		return
	}

	if !l.channel.OweCommitment() {
		l.cfg.BatchTicker.Pause()
		return
	}

	_, err := l.applyEvent(lnwallet.SignCommitment{})

	// Without a revocation window we wait for the remote party's
	// revoke_and_ack, which resumes the ticker.
	if errors.Is(err, lnwallet.ErrNoWindow) {
		l.cfg.BatchTicker.Pause()
		return
	}
	if err != nil && l.failure == nil {
		l.log.Errorf("Unable to sign commitment: %v", err)
	}
}

// applyEvent applies event to the channel and carries out the resulting
// transition.
func (l *ChannelLink) applyEvent(
	event lnwallet.Event) (*lnwallet.Transition, error) {

	start := l.cfg.Clock.Now()
	trans, err := l.channel.ProcessEvent(event)
	elapsed := l.cfg.Clock.Now().Sub(start)

	l.cfg.Metrics.WhenSome(func(m *monitoring.ChannelMetrics) {
		m.ObserveEvent(event, trans, err, elapsed)
	})

	if err != nil {
		var violation *lnwallet.ProtocolViolation
		if errors.As(err, &violation) {
			l.failLink(violation)
			return nil, l.failure
		}

		return nil, err
	}

	if err := l.carryOut(trans); err != nil {
		l.fail(err, false)
		return nil, l.failure
	}

	return trans, nil
}

// carryOut persists, transmits and executes a transition, in that order.
func (l *ChannelLink) carryOut(trans *lnwallet.Transition) error {
	if len(trans.MonitorUpdates) != 0 {
		start := l.cfg.Clock.Now()
		err := l.cfg.Store.PutMonitorUpdates(trans.MonitorUpdates...)
		if err != nil {
			return fmt.Errorf("unable to persist monitor updates: %w",
				err)
		}

		l.cfg.Metrics.WhenSome(func(m *monitoring.ChannelMetrics) {
			m.ObservePersist(l.cfg.Clock.Now().Sub(start))
		})
	}

	if len(trans.Messages) != 0 {
		l.log.Tracef("Sending %v", lnutils.NewLogClosure(func() string {
			types := make([]string, 0, len(trans.Messages))
			for _, msg := range trans.Messages {
				types = append(types, msg.MsgType().String())
			}

			return strings.Join(types, ", ")
		}))

		if err := l.cfg.Peer.SendMessage(trans.Messages...); err != nil {
			return fmt.Errorf("unable to send messages: %w", err)
		}
	}

	for _, htlc := range trans.LockedIn {
		l.log.Debugf("Htlc %d (incoming=%v, amt=%v) locked in",
			htlc.ID, htlc.Incoming, htlc.Amount)
	}
	for _, rejected := range trans.Rejected {
		l.log.Infof("Failed back incoming htlc %d: %v", rejected.ID,
			rejected.Reason)
	}

	for _, intent := range trans.Intents {
		if err := l.execute(intent); err != nil {
			return err
		}
	}

	l.cfg.Metrics.WhenSome(func(m *monitoring.ChannelMetrics) {
		m.SetCommitHeights(l.channel.ChanID(), l.channel.CommitHeights())
	})

	if l.channel.OweCommitment() {
		l.cfg.BatchTicker.Resume()
	}

	if l.cfg.OnTransition != nil {
		l.cfg.OnTransition(trans)
	}

	return nil
}

// execute carries out a single intent of a transition.
func (l *ChannelLink) execute(intent lnwallet.Intent) error {
	switch i := intent.(type) {
	case lnwallet.BroadcastTx:
		l.log.Infof("Broadcasting %v: %v", i.Label, i.Tx.TxHash())

		return l.cfg.ChainIO.PublishTransaction(i.Tx, i.Label)

	case lnwallet.RequestFunding:
		tx, index, err := l.cfg.ChainIO.CreateFundingTx(i)
		if err != nil {
			return fmt.Errorf("unable to create funding tx: %w",
				err)
		}

		_, err = l.applyEvent(lnwallet.FundingTxReady{
			Tx:          tx,
			OutputIndex: index,
		})

		return err

	default:
		return fmt.Errorf("unknown intent %T", intent)
	}
}

// failLink handles a protocol violation of the remote party: the peer is
// told about it and our latest commitment, if any, is recorded in the store
// and then broadcast.
func (l *ChannelLink) failLink(violation *lnwallet.ProtocolViolation) {
	l.cfg.Metrics.WhenSome(func(m *monitoring.ChannelMetrics) {
		m.ObserveViolation()
	})

	err := l.cfg.Peer.SendMessage(&lnwire.Error{
		ChanID: l.channel.ChanID(),
		Data:   []byte(violation.Error()),
	})
	if err != nil {
		l.log.Warnf("Unable to send error to peer: %v", err)
	}

	forceClose := violation.CommitTx != nil
	if forceClose {
		if violation.MonitorUpdate != nil {
			err := l.cfg.Store.PutMonitorUpdates(
				*violation.MonitorUpdate,
			)
			if err != nil {
				l.log.Errorf("Unable to persist force close: %v",
					err)
			}
		}

		l.log.Warnf("Broadcasting commitment %d after protocol "+
			"violation", violation.CommitHeight)

		err := l.cfg.ChainIO.PublishTransaction(
			violation.CommitTx, "force close",
		)
		if err != nil {
			l.log.Errorf("Unable to broadcast commitment: %v", err)
		}
	}

	l.fail(violation, forceClose)
}

// fail marks the link as failed. Every later request returns the failure.
func (l *ChannelLink) fail(err error, forceClose bool) {
	if l.failure != nil {
		return
	}

	l.log.Errorf("Failing link: %v", err)

	l.failure = &LinkFailureError{failure: err, ForceClose: forceClose}
	l.cfg.BatchTicker.Pause()
}
