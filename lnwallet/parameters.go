package lnwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwire"
)

// DustLimitForSize retrieves the dust limit for a given pkscript size. Given
// the size, it automatically determines whether the script is a witness script
// or not. It calls btcd's GetDustThreshold method under the hood.
func DustLimitForSize(scriptSize int) btcutil.Amount {
	var pkscript []byte
	switch scriptSize {
	case input.P2WPKHSize:
		pkscript = make([]byte, input.P2WPKHSize)
		pkscript[1] = 0x14

	default:
		// Anything else is priced as a p2wsh output, the largest
		// output on the commitment.
		pkscript, _ = input.WitnessScriptHash([]byte{})
	}

	txout := &wire.TxOut{PkScript: pkscript}

	return btcutil.Amount(mempool.GetDustThreshold(txout))
}

// ChannelConstraints are the limits a party announces during funding. Each
// of them binds the counterparty: the announcing party only accepts HTLCs and
// balances from its peer that satisfy them.
type ChannelConstraints struct {
	// DustLimit is the threshold below which no output should be
	// generated on the announcing party's commitment transaction.
	DustLimit btcutil.Amount

	// ChanReserve is the balance the counterparty must keep on its side
	// of the channel at all times.
	ChanReserve btcutil.Amount

	// MaxPendingAmount is the maximum value of HTLCs the counterparty may
	// have offered to the announcing party at once.
	MaxPendingAmount btcutil.Amount

	// MinHTLC is the smallest HTLC the announcing party accepts.
	MinHTLC btcutil.Amount

	// MaxAcceptedHtlcs is the maximum number of HTLCs the announcing party
	// accepts at once.
	MaxAcceptedHtlcs uint16

	// CsvDelay is the relative time lock the counterparty must wait
	// before sweeping its own output of a unilateral close.
	CsvDelay uint16
}

// ChannelConfig is the full set of parameters and keys one party contributes
// to a channel.
type ChannelConfig struct {
	ChannelConstraints

	// MultiSigKey is the key used within the 2-of-2 funding output.
	MultiSigKey *btcec.PublicKey

	// RevocationBasePoint is the base point the counterparty's revocation
	// keys are derived from.
	RevocationBasePoint *btcec.PublicKey

	// PaymentBasePoint is the key the to_remote output of the
	// counterparty's commitment pays to.
	PaymentBasePoint *btcec.PublicKey

	// DelayBasePoint is the base point of the key locking this party's
	// to_local output.
	DelayBasePoint *btcec.PublicKey

	// HtlcBasePoint is the base point of this party's HTLC keys.
	HtlcBasePoint *btcec.PublicKey

	// UpfrontShutdown is the optional script the channel must close to.
	UpfrontShutdown lnwire.DeliveryAddress
}

// wireParams returns the constraints in their wire form.
func (c *ChannelConfig) wireParams() lnwire.ChannelParams {
	return lnwire.ChannelParams{
		DustLimit:        c.DustLimit,
		MaxValueInFlight: c.MaxPendingAmount,
		ChannelReserve:   c.ChanReserve,
		HtlcMinimum:      c.MinHTLC,
		CsvDelay:         c.CsvDelay,
		MaxAcceptedHTLCs: c.MaxAcceptedHtlcs,
	}
}

// wireBasepoints returns the keys in their wire form.
func (c *ChannelConfig) wireBasepoints() lnwire.ChannelBasepoints {
	return lnwire.ChannelBasepoints{
		FundingKey:          c.MultiSigKey,
		RevocationPoint:     c.RevocationBasePoint,
		PaymentPoint:        c.PaymentBasePoint,
		DelayedPaymentPoint: c.DelayBasePoint,
		HtlcPoint:           c.HtlcBasePoint,
	}
}

// configFromWire assembles the remote party's config from a funding message.
func configFromWire(params lnwire.ChannelParams,
	points lnwire.ChannelBasepoints,
	upfront lnwire.DeliveryAddress) ChannelConfig {

	return ChannelConfig{
		ChannelConstraints: ChannelConstraints{
			DustLimit:        params.DustLimit,
			ChanReserve:      params.ChannelReserve,
			MaxPendingAmount: params.MaxValueInFlight,
			MinHTLC:          params.HtlcMinimum,
			MaxAcceptedHtlcs: params.MaxAcceptedHTLCs,
			CsvDelay:         params.CsvDelay,
		},
		MultiSigKey:         points.FundingKey,
		RevocationBasePoint: points.RevocationPoint,
		PaymentBasePoint:    points.PaymentPoint,
		DelayBasePoint:      points.DelayedPaymentPoint,
		HtlcBasePoint:       points.HtlcPoint,
		UpfrontShutdown:     upfront,
	}
}

// validateKeys ensures every key of the config is set.
func (c *ChannelConfig) validateKeys() error {
	keys := []*btcec.PublicKey{
		c.MultiSigKey, c.RevocationBasePoint, c.PaymentBasePoint,
		c.DelayBasePoint, c.HtlcBasePoint,
	}
	for _, key := range keys {
		if key == nil {
			return fmt.Errorf("%w: missing channel key",
				ErrInvalidParameters)
		}
	}

	return nil
}

// ChannelPolicy is the range of funding parameters we accept from a remote
// party, and the bounds on the commitment fee rate.
type ChannelPolicy struct {
	// MinFundingAmount is the smallest channel we accept.
	MinFundingAmount btcutil.Amount

	// MaxFundingAmount is the largest channel we accept.
	MaxFundingAmount btcutil.Amount

	// MinDustLimit is the smallest dust limit the remote may use.
	MinDustLimit btcutil.Amount

	// MaxDustLimit is the largest dust limit the remote may use.
	MaxDustLimit btcutil.Amount

	// MaxReservePercent bounds the reserve the remote may ask us to keep,
	// as a percentage of the channel capacity.
	MaxReservePercent uint8

	// MaxCsvDelay is the longest delay the remote may impose on our
	// to_local output.
	MaxCsvDelay uint16

	// MinExpiryDelta is the number of blocks an incoming HTLC must at
	// least have left before it expires.
	MinExpiryDelta uint32

	// FeeBounds is the accepted range of commitment fee rates.
	FeeBounds FeeBounds
}

// validateFunding checks the remote party's funding parameters against the
// policy.
func (p *ChannelPolicy) validateFunding(capacity, push btcutil.Amount,
	feeRate chainfee.SatPerKWeight, remote *ChannelConfig) error {

	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidParameters,
			fmt.Sprintf(format, args...))
	}

	switch {
	case capacity < p.MinFundingAmount || capacity > p.MaxFundingAmount:
		return fail("capacity %v outside [%v, %v]", capacity,
			p.MinFundingAmount, p.MaxFundingAmount)

	case push < 0 || push > capacity:
		return fail("push amount %v invalid for capacity %v", push,
			capacity)

	case remote.DustLimit < p.MinDustLimit ||
		remote.DustLimit > p.MaxDustLimit:

		return fail("dust limit %v outside [%v, %v]", remote.DustLimit,
			p.MinDustLimit, p.MaxDustLimit)

	case remote.ChanReserve < 0 || remote.ChanReserve >
		capacity*btcutil.Amount(p.MaxReservePercent)/100:

		return fail("channel reserve %v too large for capacity %v",
			remote.ChanReserve, capacity)

	case remote.CsvDelay == 0 || remote.CsvDelay > p.MaxCsvDelay:
		return fail("csv delay %d outside [1, %d]", remote.CsvDelay,
			p.MaxCsvDelay)

	case remote.MaxAcceptedHtlcs == 0 ||
		remote.MaxAcceptedHtlcs > input.MaxAcceptedHTLCs:

		return fail("max accepted htlcs %d outside [1, %d]",
			remote.MaxAcceptedHtlcs, input.MaxAcceptedHTLCs)

	case remote.MinHTLC < 0 || remote.MinHTLC >= capacity:
		return fail("htlc minimum %v invalid for capacity %v",
			remote.MinHTLC, capacity)

	case !p.FeeBounds.Contains(feeRate):
		return fail("fee rate %v outside %v", feeRate, p.FeeBounds)
	}

	return remote.validateKeys()
}

// HeightOracle provides the current best block height, used to judge HTLC
// expiries.
type HeightOracle interface {
	// BestHeight returns the height of the current chain tip.
	BestHeight() uint32
}

// StaticHeight is a HeightOracle that always returns the same height.
type StaticHeight uint32

// BestHeight returns the static height.
func (s StaticHeight) BestHeight() uint32 {
	return uint32(s)
}
