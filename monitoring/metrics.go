package monitoring

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lnchan"

// ChannelMetrics collects the counters of every channel link of the process.
type ChannelMetrics struct {
	events       *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	htlcs        *prometheus.CounterVec
	messages     *prometheus.CounterVec
	closes       *prometheus.CounterVec
	commitHeight *prometheus.GaugeVec

	// The latency histograms are only registered if perf histograms are
	// enabled, as they add a lot of series per link.
	processTime *prometheus.HistogramVec
	persistTime prometheus.Histogram
}

// NewChannelMetrics creates the channel metrics and registers them with reg.
func NewChannelMetrics(reg prometheus.Registerer,
	perfHistograms bool) (*ChannelMetrics, error) {

	m := &ChannelMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Number of events applied to channels.",
		}, []string{"event"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_errors_total",
			Help:      "Number of events that failed, by failure kind.",
		}, []string{"kind"}),
		htlcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "htlcs_total",
			Help:      "Number of HTLCs reaching a final commitment state.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Number of messages sent to the remote party.",
		}, []string{"type"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_closes_total",
			Help:      "Number of closed channels, by close type.",
		}, []string{"type"}),
		commitHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commit_height",
			Help:      "Height of the newest commitment of a party.",
		}, []string{"chan_id", "party"}),
	}

	collectors := []prometheus.Collector{
		m.events, m.rejections, m.htlcs, m.messages, m.closes,
		m.commitHeight,
	}

	if perfHistograms {
		m.processTime = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_process_seconds",
				Help:      "Time spent applying an event.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"event"},
		)
		m.persistTime = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_persist_seconds",
			Help:      "Time spent persisting monitor updates.",
			Buckets:   prometheus.DefBuckets,
		})
		collectors = append(collectors, m.processTime, m.persistTime)
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("unable to register metric: %w",
				err)
		}
	}

	return m, nil
}

// EventLabel returns the metric label of an event. Peer messages are labeled
// by their message type.
func EventLabel(event lnwallet.Event) string {
	if msg, ok := event.(lnwallet.PeerMessage); ok && msg.Msg != nil {
		return msg.Msg.MsgType().String()
	}

	name := fmt.Sprintf("%T", event)

	return name[strings.LastIndex(name, ".")+1:]
}

// ObserveEvent records the outcome of applying event, which took elapsed.
// Either trans or err is set.
func (m *ChannelMetrics) ObserveEvent(event lnwallet.Event,
	trans *lnwallet.Transition, err error, elapsed time.Duration) {

	label := EventLabel(event)
	m.events.WithLabelValues(label).Inc()
	if m.processTime != nil {
		m.processTime.WithLabelValues(label).Observe(elapsed.Seconds())
	}

	if err != nil {
		m.rejections.WithLabelValues(errorKind(err)).Inc()
		return
	}

	for _, msg := range trans.Messages {
		m.messages.WithLabelValues(msg.MsgType().String()).Inc()
	}

	m.htlcs.WithLabelValues("locked_in").Add(float64(len(trans.LockedIn)))
	m.htlcs.WithLabelValues("rejected").Add(float64(len(trans.Rejected)))
	for _, htlc := range trans.Resolved {
		outcome := "failed"
		if htlc.Settled {
			outcome = "settled"
		}
		m.htlcs.WithLabelValues(outcome).Inc()
	}

	for _, update := range trans.MonitorUpdates {
		switch update.Kind {
		case lnwallet.CloseAgreed:
			m.closes.WithLabelValues("cooperative").Inc()

		case lnwallet.ForceClosed:
			m.closes.WithLabelValues("force").Inc()
		}
	}
}

// ObserveViolation counts a channel failed by the remote party.
func (m *ChannelMetrics) ObserveViolation() {
	m.closes.WithLabelValues("violation").Inc()
}

// ObservePersist records the time it took to persist a batch of monitor
// updates.
func (m *ChannelMetrics) ObservePersist(elapsed time.Duration) {
	if m.persistTime != nil {
		m.persistTime.Observe(elapsed.Seconds())
	}
}

// SetCommitHeights exports the newest commitment heights of a channel.
func (m *ChannelMetrics) SetCommitHeights(chanID fmt.Stringer,
	heights lntypes.Dual[uint64]) {

	id := chanID.String()
	m.commitHeight.WithLabelValues(id, lntypes.Local.String()).Set(
		float64(heights.Local),
	)
	m.commitHeight.WithLabelValues(id, lntypes.Remote.String()).Set(
		float64(heights.Remote),
	)
}

// errorKind classifies an event error for the rejection counter.
func errorKind(err error) string {
	var (
		validation *lnwallet.ValidationError
		violation  *lnwallet.ProtocolViolation
	)

	switch {
	case errors.As(err, &validation):
		return "validation"

	case errors.As(err, &violation):
		return "violation"

	case errors.Is(err, lnwallet.ErrChannelClosed):
		return "closed"

	default:
		return "other"
	}
}
