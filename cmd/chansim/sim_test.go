package main

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lncfg"
	"github.com/lightningnetwork/lnchan/lnwallet"
	"github.com/stretchr/testify/require"
)

// testConfig returns a validated config running a short simulation in a
// temporary directory.
func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.LogDir = t.TempDir()
	cfg.NumPayments = 5
	cfg.Link.BatchInterval = 5 * time.Millisecond

	validated, err := ValidateConfig(cfg)
	require.NoError(t, err)

	return validated
}

// TestSimulationCooperativeClose runs payments over a channel and closes it
// cooperatively.
func TestSimulationCooperativeClose(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := runSimulation(ctx, cfg)
	require.NoError(t, err)

	require.Equal(t, cfg.NumPayments, result.Settled)
	require.Zero(t, result.Rejected)
	require.Equal(t, lnwallet.Closed, result.FinalState)

	require.Equal(t, map[string]int{
		"funding":           1,
		"cooperative close": 1,
	}, result.Published["alice"])
	require.Equal(t, map[string]int{
		"cooperative close": 1,
	}, result.Published["bob"])

	// Funding, at least one signing round each for the adds and the
	// settles, and the close.
	require.GreaterOrEqual(t, result.MonitorUpdates["alice"], 8)
	require.GreaterOrEqual(t, result.MonitorUpdates["bob"], 8)
}

// TestSimulationForceClose checks that a force close publishes alice's
// commitment.
func TestSimulationForceClose(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.NumPayments = 2
	cfg.ForceClose = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := runSimulation(ctx, cfg)
	require.NoError(t, err)

	require.Equal(t, 2, result.Settled)
	require.Equal(t, lnwallet.AwaitingOnChainResolution, result.FinalState)
	require.Equal(t, 1, result.Published["alice"]["force close"])
	require.Empty(t, result.Published["bob"])
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PushAmt = cfg.Capacity
	_, err := ValidateConfig(cfg)
	require.ErrorContains(t, err, "pushamt")

	cfg = DefaultConfig()
	cfg.Link = &lncfg.Link{}
	_, err = ValidateConfig(cfg)
	require.Error(t, err)
}

// TestSimChainFundingTx checks that the funding transaction pays the
// requested output and carries a valid witness for the spent coin.
func TestSimChainFundingTx(t *testing.T) {
	t.Parallel()

	chain := &simChain{name: "alice"}

	fundingScript, err := input.WitnessScriptHash([]byte{txscript.OP_TRUE})
	require.NoError(t, err)

	req := lnwallet.RequestFunding{
		PkScript: fundingScript,
		Amount:   1_000_000,
	}
	tx, index, err := chain.CreateFundingTx(req)
	require.NoError(t, err)

	require.Zero(t, index)
	require.Len(t, tx.TxOut, 1)
	require.EqualValues(t, req.Amount, tx.TxOut[index].Value)
	require.Equal(t, fundingScript, tx.TxOut[index].PkScript)

	_, coin, err := chain.coin(req.Amount)
	require.NoError(t, err)
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxIn[0].Witness, 2)

	prevOuts := txscript.NewCannedPrevOutputFetcher(
		coin.PkScript, coin.Value,
	)
	vm, err := txscript.NewEngine(
		coin.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, prevOuts), coin.Value, prevOuts,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}
