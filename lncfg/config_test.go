package lncfg

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwallet/chancloser"
	"github.com/stretchr/testify/require"
)

var errNoEstimator = errors.New("no estimator")

// TestDefaultsValidate checks that the default sub configurations pass their
// own validation.
func TestDefaultsValidate(t *testing.T) {
	t.Parallel()

	prom := DefaultPrometheus()
	err := Validate(
		DefaultChannel(), DefaultFee(), DefaultClose(), DefaultDB(),
		DefaultLink(), &prom,
	)
	require.NoError(t, err)
}

// TestChannelValidate checks the consistency rules of the channel options.
func TestChannelValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *Channel)
		valid  bool
	}{
		{
			name:   "defaults",
			mutate: func(*Channel) {},
			valid:  true,
		},
		{
			name: "dust limit below relay threshold",
			mutate: func(c *Channel) {
				c.DustLimit = 100
			},
		},
		{
			name: "max dust limit below dust limit",
			mutate: func(c *Channel) {
				c.MaxDustLimit = c.DustLimit - 1
			},
		},
		{
			name: "reserve below dust",
			mutate: func(c *Channel) {
				c.ChanReserve = c.DustLimit - 1
			},
		},
		{
			name: "zero min htlc",
			mutate: func(c *Channel) {
				c.MinHTLC = 0
			},
		},
		{
			name: "too many htlcs",
			mutate: func(c *Channel) {
				c.MaxAcceptedHtlcs = 484
			},
		},
		{
			name: "csv delay above max",
			mutate: func(c *Channel) {
				c.CsvDelay = c.MaxCsvDelay + 1
			},
		},
		{
			name: "inverted channel size range",
			mutate: func(c *Channel) {
				c.MaxChanSize = c.MinChanSize - 1
			},
		},
		{
			name: "reserve percent above 100",
			mutate: func(c *Channel) {
				c.MaxReservePercent = 101
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			c := DefaultChannel()
			test.mutate(c)

			err := c.Validate()
			if test.valid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
		})
	}
}

// TestChannelPolicy checks that the announced constraints and the accepted
// policy follow the options.
func TestChannelPolicy(t *testing.T) {
	t.Parallel()

	c := DefaultChannel()
	fee := DefaultFee()

	constraints := c.Constraints()
	require.Equal(t, btcutil.Amount(DefaultDustLimit), constraints.DustLimit)
	require.Equal(
		t, btcutil.Amount(DefaultChanReserve), constraints.ChanReserve,
	)
	require.Equal(t, c.CsvDelay, constraints.CsvDelay)

	policy := c.PolicyFor(fee)
	require.Equal(
		t, btcutil.Amount(DefaultMinChanSize), policy.MinFundingAmount,
	)
	require.Equal(t, uint32(DefaultMinExpiryDelta), policy.MinExpiryDelta)
	require.Equal(t, fee.Bounds(), policy.FeeBounds)
	require.True(t, policy.FeeBounds.Contains(fee.CommitRate()))
}

// TestFeeValidate checks the fee rate rules and the optional static closing
// fee estimator.
func TestFeeValidate(t *testing.T) {
	t.Parallel()

	fee := DefaultFee()
	require.NoError(t, fee.Validate())
	require.True(t, fee.Estimator().IsNone())

	fee.CloseFeeRate = 4_000
	require.NoError(t, fee.Validate())
	estimator, err := fee.Estimator().UnwrapOrErr(errNoEstimator)
	require.NoError(t, err)
	rate, err := estimator.EstimateFeePerKW(fee.ConfTarget)
	require.NoError(t, err)
	require.Equal(t, chainfee.SatPerKWeight(4_000), rate)

	fee = DefaultFee()
	fee.MinFeeRate = 100
	require.Error(t, fee.Validate())

	fee = DefaultFee()
	fee.CommitFeeRate = fee.MaxFeeRate + 1
	require.Error(t, fee.Validate())

	fee = DefaultFee()
	fee.CloseFeeRate = 1
	require.Error(t, fee.Validate())

	fee = DefaultFee()
	fee.ConfTarget = 0
	require.Error(t, fee.Validate())
}

// TestCloseConfig checks the mapping of the close options onto the
// negotiation parameters of a channel.
func TestCloseConfig(t *testing.T) {
	t.Parallel()

	c := DefaultClose()
	cfg, err := c.CloseConfig(DefaultConfTarget)
	require.NoError(t, err)
	require.Equal(t, uint32(chancloser.DefaultMaxRounds), cfg.MaxRounds)
	require.Equal(t, chancloser.TieBreakMidpoint, cfg.TieBreak)
	require.Equal(t, uint32(DefaultConfTarget), cfg.ConfTarget)

	c.TieBreak = "accept-remote"
	cfg, err = c.CloseConfig(1)
	require.NoError(t, err)
	require.Equal(t, chancloser.TieBreakAcceptRemote, cfg.TieBreak)

	c.TieBreak = "coinflip"
	require.Error(t, c.Validate())
	_, err = c.CloseConfig(1)
	require.Error(t, err)

	c = DefaultClose()
	c.MaxRounds = 0
	require.Error(t, c.Validate())
}

// TestMiscValidate covers the remaining sub configurations.
func TestMiscValidate(t *testing.T) {
	t.Parallel()

	db := DefaultDB()
	require.True(t, db.BoltOptions().NoFreelistSync)
	db.Timeout = -1
	require.Error(t, db.Validate())

	link := DefaultLink()
	link.BatchInterval = 0
	require.Error(t, link.Validate())
	link = DefaultLink()
	link.MailboxSize = 0
	require.Error(t, link.Validate())

	prom := DefaultPrometheus()
	require.False(t, prom.Enabled())
	prom.Listen = "localhost:8989"
	require.True(t, prom.Enabled())
	require.NoError(t, prom.Validate())
	prom.Listen = "localhost"
	require.Error(t, prom.Validate())
}
