package lncfg

import (
	"fmt"

	"github.com/lightningnetwork/lnchan/lnwallet"
	"github.com/lightningnetwork/lnchan/lnwallet/chancloser"
)

// Close holds the options of the cooperative close negotiation.
//
//nolint:ll
type Close struct {
	MaxRounds        uint32 `long:"maxrounds" description:"The number of closing fee proposals we accept from the remote party before giving up."`
	TieBreak         string `long:"tiebreak" description:"How we counter a closing fee proposal we don't accept." choice:"midpoint" choice:"ratchet" choice:"accept-remote"`
	MaxFeeMultiplier uint32 `long:"maxfeemultiplier" description:"The highest closing fee we pay, as a multiple of our ideal fee."`
}

// DefaultClose returns the default close configuration.
func DefaultClose() *Close {
	return &Close{
		MaxRounds:        chancloser.DefaultMaxRounds,
		TieBreak:         chancloser.TieBreakMidpoint.String(),
		MaxFeeMultiplier: lnwallet.DefaultMaxFeeMultiplier,
	}
}

// Validate checks the close options.
func (c *Close) Validate() error {
	if c.MaxRounds == 0 {
		return fmt.Errorf("maxrounds must be positive")
	}
	if c.MaxFeeMultiplier == 0 {
		return fmt.Errorf("maxfeemultiplier must be positive")
	}

	_, err := chancloser.ParseTieBreak(c.TieBreak)

	return err
}

// CloseConfig returns the negotiation parameters of a channel, estimating
// closing fee rates for confTarget blocks.
func (c *Close) CloseConfig(confTarget uint32) (lnwallet.CloseConfig,
	error) {

	tieBreak, err := chancloser.ParseTieBreak(c.TieBreak)
	if err != nil {
		return lnwallet.CloseConfig{}, err
	}

	return lnwallet.CloseConfig{
		MaxRounds:        c.MaxRounds,
		TieBreak:         tieBreak,
		MaxFeeMultiplier: c.MaxFeeMultiplier,
		ConfTarget:       confTarget,
	}, nil
}

// Compile-time constraint to ensure Close implements the Validator interface.
var _ Validator = (*Close)(nil)
