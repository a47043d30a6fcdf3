package lncfg

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lnwallet"
)

const (
	// DefaultDustLimit is the dust limit we announce for our commitment.
	DefaultDustLimit = 354

	// DefaultMaxDustLimit is the largest dust limit we accept from the
	// remote party.
	DefaultMaxDustLimit = 1_000

	// DefaultChanReserve is the balance the remote party must keep on its
	// side of the channel.
	DefaultChanReserve = 10_000

	// DefaultMaxPendingAmount is the maximum value of HTLCs the remote
	// party may have offered us at once.
	DefaultMaxPendingAmount = 10_000_000

	// DefaultMinHTLC is the smallest HTLC we accept.
	DefaultMinHTLC = 1

	// DefaultCsvDelay is the delay we impose on the remote party's
	// to_local output.
	DefaultCsvDelay = 144

	// DefaultMaxCsvDelay is the longest delay we accept on our own
	// to_local output.
	DefaultMaxCsvDelay = 2016

	// DefaultMinAcceptDepth is the number of confirmations we require for
	// the funding transaction.
	DefaultMinAcceptDepth = 3

	// DefaultMinChanSize is the smallest channel we accept.
	DefaultMinChanSize = 20_000

	// DefaultMaxChanSize is the largest channel we accept.
	DefaultMaxChanSize = int64(btcutil.SatoshiPerBitcoin) * 10

	// DefaultMaxReservePercent bounds the reserve the remote party may ask
	// us to keep.
	DefaultMaxReservePercent = 20

	// DefaultMinExpiryDelta is the number of blocks an incoming HTLC must
	// at least have left.
	DefaultMinExpiryDelta = 40
)

// Channel holds the parameters we announce for new channels and the range of
// parameters we accept from the remote party.
//
//nolint:ll
type Channel struct {
	DustLimit        int64  `long:"dustlimit" description:"The threshold in satoshis below which no output is created on our commitment."`
	ChanReserve      int64  `long:"chanreserve" description:"The balance in satoshis the remote party must keep on its side of the channel."`
	MaxPendingAmount int64  `long:"maxpendingamount" description:"The maximum value in satoshis of HTLCs the remote party may have offered at once."`
	MinHTLC          int64  `long:"minhtlc" description:"The smallest HTLC in satoshis we accept."`
	MaxAcceptedHtlcs uint16 `long:"maxacceptedhtlcs" description:"The maximum number of HTLCs the remote party may have offered at once."`
	CsvDelay         uint16 `long:"csvdelay" description:"The number of blocks the remote party has to wait before sweeping its output of a unilateral close."`
	MinAcceptDepth   uint32 `long:"minacceptdepth" description:"The number of confirmations the funding transaction needs."`

	MinChanSize       int64  `long:"minchansize" description:"The smallest channel in satoshis we accept."`
	MaxChanSize       int64  `long:"maxchansize" description:"The largest channel in satoshis we accept."`
	MaxDustLimit      int64  `long:"maxdustlimit" description:"The largest dust limit in satoshis we accept from the remote party."`
	MaxReservePercent uint8  `long:"maxreservepercent" description:"The largest reserve the remote party may ask us to keep, as a percentage of the capacity."`
	MaxCsvDelay       uint16 `long:"maxcsvdelay" description:"The longest delay the remote party may impose on our output."`
	MinExpiryDelta    uint32 `long:"minexpirydelta" description:"The number of blocks an incoming HTLC must at least have left before it expires."`
}

// DefaultChannel returns the default channel parameters.
func DefaultChannel() *Channel {
	return &Channel{
		DustLimit:         DefaultDustLimit,
		ChanReserve:       DefaultChanReserve,
		MaxPendingAmount:  DefaultMaxPendingAmount,
		MinHTLC:           DefaultMinHTLC,
		MaxAcceptedHtlcs:  input.MaxAcceptedHTLCs,
		CsvDelay:          DefaultCsvDelay,
		MinAcceptDepth:    DefaultMinAcceptDepth,
		MinChanSize:       DefaultMinChanSize,
		MaxChanSize:       DefaultMaxChanSize,
		MaxDustLimit:      DefaultMaxDustLimit,
		MaxReservePercent: DefaultMaxReservePercent,
		MaxCsvDelay:       DefaultMaxCsvDelay,
		MinExpiryDelta:    DefaultMinExpiryDelta,
	}
}

// Validate checks the channel parameters for consistency.
func (c *Channel) Validate() error {
	// Our own outputs must be relayable.
	minDust := lnwallet.DustLimitForSize(input.P2WSHSize)

	switch {
	case btcutil.Amount(c.DustLimit) < minDust:
		return fmt.Errorf("dustlimit %d below the relay dust threshold "+
			"%d", c.DustLimit, int64(minDust))

	case c.MaxDustLimit < c.DustLimit:
		return fmt.Errorf("maxdustlimit %d below dustlimit %d",
			c.MaxDustLimit, c.DustLimit)

	case c.ChanReserve < c.DustLimit:
		return fmt.Errorf("chanreserve %d below dustlimit %d",
			c.ChanReserve, c.DustLimit)

	case c.MinHTLC <= 0:
		return fmt.Errorf("minhtlc must be positive")

	case c.MaxPendingAmount < c.MinHTLC:
		return fmt.Errorf("maxpendingamount %d below minhtlc %d",
			c.MaxPendingAmount, c.MinHTLC)

	case c.MaxAcceptedHtlcs == 0 ||
		c.MaxAcceptedHtlcs > input.MaxAcceptedHTLCs:

		return fmt.Errorf("maxacceptedhtlcs must be in [1, %d]",
			input.MaxAcceptedHTLCs)

	case c.CsvDelay == 0 || c.CsvDelay > c.MaxCsvDelay:
		return fmt.Errorf("csvdelay %d must be in [1, %d]", c.CsvDelay,
			c.MaxCsvDelay)

	case c.MinAcceptDepth == 0:
		return fmt.Errorf("minacceptdepth must be positive")

	case c.MinChanSize <= 0 || c.MaxChanSize < c.MinChanSize:
		return fmt.Errorf("invalid channel size range [%d, %d]",
			c.MinChanSize, c.MaxChanSize)

	case c.MaxReservePercent > 100:
		return fmt.Errorf("maxreservepercent %d above 100",
			c.MaxReservePercent)
	}

	return nil
}

// Constraints returns the limits we announce to the remote party.
func (c *Channel) Constraints() lnwallet.ChannelConstraints {
	return lnwallet.ChannelConstraints{
		DustLimit:        btcutil.Amount(c.DustLimit),
		ChanReserve:      btcutil.Amount(c.ChanReserve),
		MaxPendingAmount: btcutil.Amount(c.MaxPendingAmount),
		MinHTLC:          btcutil.Amount(c.MinHTLC),
		MaxAcceptedHtlcs: c.MaxAcceptedHtlcs,
		CsvDelay:         c.CsvDelay,
	}
}

// PolicyFor returns the policy we check remote funding parameters against,
// with commitment fee rates bounded by fee.
func (c *Channel) PolicyFor(fee *Fee) lnwallet.ChannelPolicy {
	return lnwallet.ChannelPolicy{
		MinFundingAmount:  btcutil.Amount(c.MinChanSize),
		MaxFundingAmount:  btcutil.Amount(c.MaxChanSize),
		MinDustLimit:      lnwallet.DustLimitForSize(input.P2WSHSize),
		MaxDustLimit:      btcutil.Amount(c.MaxDustLimit),
		MaxReservePercent: c.MaxReservePercent,
		MaxCsvDelay:       c.MaxCsvDelay,
		MinExpiryDelta:    c.MinExpiryDelta,
		FeeBounds:         fee.Bounds(),
	}
}

// Compile-time constraint to ensure Channel implements the Validator
// interface.
var _ Validator = (*Channel)(nil)
